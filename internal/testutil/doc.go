// Package testutil contains helpers used across tests to reduce boilerplate
// when constructing records and controlling time. These helpers are not
// intended for production usage.
package testutil
