// Package workspace resolves a session's repository binding into the working
// context an engine invocation operates against. The package only maps
// repository identifiers to local working-copy locations; cloning, fetching
// and source-control authentication belong to the external source-control
// collaborator and never happen here.
package workspace
