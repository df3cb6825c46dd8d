// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package storage

// schemaV1 installs the full relational schema in one migration, following
// the teacher's "migration 1 installs everything" convention: there is no
// incremental history to replay because this is the system's first schema.
const schemaV1 = `
CREATE TABLE service (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	UNIQUE(name, version)
);

CREATE TABLE service_config (
	service_id  INTEGER PRIMARY KEY REFERENCES service(id) ON DELETE CASCADE,
	program     TEXT NOT NULL,
	description TEXT,
	workspace   TEXT
);

CREATE TABLE service_arg (
	service_id INTEGER NOT NULL REFERENCES service(id) ON DELETE CASCADE,
	arg_idx    INTEGER NOT NULL CHECK (arg_idx >= 0),
	value      TEXT NOT NULL,
	PRIMARY KEY (service_id, arg_idx)
);

CREATE TABLE service_dependency (
	service_id    INTEGER NOT NULL REFERENCES service(id) ON DELETE CASCADE,
	dependency_id INTEGER NOT NULL REFERENCES service(id) ON DELETE RESTRICT,
	PRIMARY KEY (service_id, dependency_id),
	CHECK (service_id <> dependency_id)
);
CREATE INDEX idx_service_dependency_dependency_id ON service_dependency(dependency_id);

CREATE TABLE service_group_membership (
	service_id INTEGER PRIMARY KEY REFERENCES service(id) ON DELETE CASCADE,
	group_id   INTEGER NOT NULL
);
CREATE INDEX idx_service_group_membership_group_id ON service_group_membership(group_id);

CREATE TABLE service_group_alias (
	group_id INTEGER PRIMARY KEY,
	alias    TEXT NOT NULL UNIQUE
);
`
