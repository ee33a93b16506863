// Package util provides small helpers shared across mtd-connect packages:
// log-safe truncation of secrets and stable hashing of user identifiers.
package util
