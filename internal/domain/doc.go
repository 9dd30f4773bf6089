// Package domain defines the core types crossing the bridge: bots, users,
// contacts, portal messages, and texts.
//
// Types here are pure value objects, the shared language between handlers,
// services, repositories, and workers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Small pure helpers on the types are allowed
//   - Constants and enums belong here
package domain
