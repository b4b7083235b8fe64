// Package job defines the persistent Job entity, the typed registration
// helper, the worker registry, and the persistence-adapter contract that
// pqueue's scheduler claims and mutates jobs through.
//
// # Job Entity
//
// A [Job] is the sole persistent entity. Its lifecycle:
//
//	created (inactive, not failed) -> claimed (active)
//	  -> deleted (success)
//	  -> inactive, FailedAttempts++, NextValidTime advanced (non-terminal failure)
//	  -> Failed set, inactive, row persists (terminal failure)
//
// [Data] is the JSON-encoded attempt-bookkeeping envelope stored in the
// job's `data` column: attempts, failedAttempts, and an audit trail of
// error messages. Payload is opaque to the core; only the registered
// handler decodes it.
//
// # Defining a handler
//
// [Registry] maps job names to type-erased [HandlerFunc] values taking
// raw JSON payload. [Definition] and [NewDefinition] give a typed
// convenience layer on top:
//
//	var SendEmail = job.NewDefinition("send-email",
//	    func(ctx context.Context, id string, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//	job.RegisterDefinition(registry, SendEmail)
//
// # Store
//
// [Store] is the persistence-adapter contract: a transactional store
// exposing predicate/sort/limit queries and
// row-level insert/update/delete, consumed exclusively by the scheduler
// in the top-level pqueue package. store/memory and store/sqlite provide
// two conforming implementations.
package job
