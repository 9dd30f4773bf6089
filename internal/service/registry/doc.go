// Package registry implements bot lifecycle management.
//
// The registry is the only writer of bot rows. Bots are declared in an
// operator-maintained JSON file and reconciled into the database with Sync;
// they are deactivated rather than deleted so history stays attributable.
// It depends on the repository interface defined in this package and should
// never import from api/.
//
// Repository implementations live in repository/postgres/.
package registry
