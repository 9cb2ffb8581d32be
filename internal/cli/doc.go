// Package cli implements nebula-admin, the operator tool for the
// nebula-gateway user database.
//
// Commands open the store lazily through an Opener, so help and argument
// errors never touch the database. Every command that changes a user also
// appends an audit entry naming the operator given by --actor.
package cli
