// Package permissions gates host capabilities per domain.
//
// A Container holds one Unary per domain (read, write, net, env, run, sys).
// Each answers Query, Request and Revoke with Granted, Prompt or Denied:
//
//	perms, _ := permissions.NewContainer(permissions.Options{
//	    Allow: map[permissions.Name][]string{permissions.Read: {"/srv/data"}},
//	})
//	err := perms.Check(ctx, permissions.Read, "/srv/data/a.txt", "op_fs_open")
//
// Scopes are hierarchical. The empty value is the whole domain; paths
// include everything below them; a host includes all of its ports. Allow
// and deny entries may be doublestar globs ("/srv/**/*.json",
// "*.example.com", "AWS_*").
//
// Denials from configuration cover every narrower scope. Denials recorded
// from a prompt cover only the exact scope that was prompted, so a
// narrower scope can still be granted later.
//
// When a request needs arbitration the permission broker is asked first if
// one is configured, then the interactive prompter; with neither the
// request is denied.
package permissions
