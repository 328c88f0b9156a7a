// Package offline provides file-backed connector implementations: a CSV
// directory reader and an identity-service target that reads accounts from
// a CSV snapshot and journals mutations instead of sending them. Together
// they support dry runs and rehearsals against exported org data; wire
// connectors plug into the same interfaces.
package offline
