// Package testutil provides shared fakes for the agent's external
// collaborators: the platform registry, the semantic service, the NATS
// request/reply transport and an in-memory Redis.
//
// Fakes record every call so tests can assert on what was sent, and expose
// optional function fields to script failures:
//
//	reg := testutil.NewFakeRegistry()
//	reg.LoginFunc = func(_ context.Context, oid string) error {
//		if oid == "x" {
//			return errors.New("refused")
//		}
//		return nil
//	}
//
// Stores are built on miniredis so they exercise the real Redis commands:
//
//	kv, mr := testutil.NewKV(t)
//	mr.FastForward(time.Hour)
package testutil
