// Package testutil provides fixtures, a controllable clock and HTTP helpers
// shared by the package tests.
package testutil
