// Package auth authenticates calling websites and the operator.
//
// # Websites
//
// A website logs in with a key pair. Keys are generated by the CLI, shown
// once, and stored only as argon2id digests with a per-record salt:
//
//	pair, _ := auth.NewKeyPair()
//	w.Key1Hash, w.Key2Hash, w.Salt = pair.Hash1, pair.Hash2, pair.Salt
//
// A successful login issues an HS256 JWT whose sub claim is the website id.
// Issued tokens are also held in a Registry; a token is accepted only while
// it is registered, so logout and a server disable take effect at once.
// The registry is in memory and does not survive a restart.
//
// # Operator
//
// The admin endpoints (enable, disable, reload) require the static
// auth.admin_token as a bearer token. See RequireAdminToken.
package auth
