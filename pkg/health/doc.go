/*
Package health probes the dependencies membersync cannot run without and
reports them through the metrics health registry.

Two checkers are provided:

  - HTTPChecker requests a health URL, typically the identity provider's
    liveness endpoint. WithHeader and WithStatusRange adjust the request and
    the accepted status codes.
  - PingChecker wraps anything with Ping(ctx) error, such as a storage.Store.

A Monitor runs each registered checker on its own interval:

	monitor := health.NewMonitor()
	monitor.Add("identity", health.NewHTTPChecker(url), health.DefaultConfig())
	monitor.Start()
	defer monitor.Stop()

Each dependency appears as a component in /health and, when listed with
metrics.SetCriticalComponents, in /ready. A single failed check does not
flip the component: it becomes unhealthy after Config.Retries consecutive
failures and healthy again after the next success. Failures during
Config.StartPeriod are not counted.
*/
package health
