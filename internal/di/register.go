package di

import "github.com/samber/do/v2"

// RegisterSingletons registers every service provider as a singleton.
// Listed in dependency order:
//  1. Config (only the named config path)
//  2. Logger (Config)
//  3. Cache (Config)
//  4. HealthTracker (Config, Logger)
//  5. Prober (Config, HealthTracker, Logger)
//  6. SharedPool (Config) - master role only
//  7. PoolClient (Config, SharedPool or HealthTracker per role)
//  8. Refiller (Config, SharedPool) - master role only
//  9. Scanner (Config, Cache)
//  10. KeyStore (Config, PoolClient, HealthTracker)
//  11. RateLimits (Config)
//  12. LocalKM (Config, HealthTracker)
//  13. Handler (all of the above)
//  14. Server (Config, Handler).
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewCache)
	do.Provide(i, NewHealthTracker)
	do.Provide(i, NewProber)
	do.Provide(i, NewSharedPool)
	do.Provide(i, NewPoolClient)
	do.Provide(i, NewRefiller)
	do.Provide(i, NewScanner)
	do.Provide(i, NewKeyStore)
	do.Provide(i, NewRateLimits)
	do.Provide(i, NewLocalKM)
	do.Provide(i, NewHandler)
	do.Provide(i, NewHTTPServer)
}
