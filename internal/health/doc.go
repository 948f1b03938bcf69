// Package health serves the liveness and readiness probes of keygate.
//
// Liveness always answers 200 while the process runs. Readiness runs every
// registered check concurrently under a timeout and answers 503 when any
// check fails:
//
//	h := health.NewHandler(health.WithLogger(logger))
//	h.AddCheck(health.NewCheckFunc("apikeys", func(context.Context) error {
//	    if !svc.Ready() {
//	        return errors.New("not started")
//	    }
//	    return nil
//	}))
//	h.RegisterRoutes(engine)
package health
