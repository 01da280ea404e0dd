// README: Entry point; loads config, wires services, starts the HTTP server and the dispatch scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"parcelnet/internal/config"
	httptransport "parcelnet/internal/http"
	"parcelnet/internal/infra"
	"parcelnet/internal/logging"
	"parcelnet/internal/maps"
	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/pricing"
	"parcelnet/internal/modules/simulation"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

const sinkBuffer = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("parcelnet-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	topo, err := loadTopology(ctx, topology.NewStore(dbPool), cfg.TopologySeed, log)
	if err != nil {
		return err
	}
	origin, ok := topo.Get(types.ID(cfg.Dispatch.OriginFacilityID))
	if !ok {
		return fmt.Errorf("origin facility %s: %w", cfg.Dispatch.OriginFacilityID, topology.ErrUnknownFacility)
	}

	// tracking sinks: the hub feeds SSE clients, the rest go through async workers
	hub := tracking.NewHub()
	redisSink := tracking.NewRedisSink(redisClient)
	redisAsync := tracking.NewAsyncPublisher("redis", redisSink, sinkBuffer, log)
	sinks := tracking.Fanout{hub, redisAsync}
	asyncSinks := []*tracking.AsyncPublisher{redisAsync}

	var verifier infra.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return err
		}
		if cfg.Firebase.AuthEnabled {
			if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
				return err
			}
		}
		if cfg.Firebase.DatabaseURL != "" {
			fb, err := tracking.NewFirebaseSink(ctx, app)
			if err != nil {
				return err
			}
			a := tracking.NewAsyncPublisher("firebase", fb, sinkBuffer, log)
			sinks = append(sinks, a)
			asyncSinks = append(asyncSinks, a)
		}
	} else if cfg.Firebase.AuthEnabled {
		return fmt.Errorf("PARCELNET_AUTH_ENABLED requires PARCELNET_FIREBASE_PROJECT_ID")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k := tracking.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer k.Close()
		a := tracking.NewAsyncPublisher("kafka", k, sinkBuffer, log)
		sinks = append(sinks, a)
		asyncSinks = append(asyncSinks, a)
	}
	defer func() {
		for _, a := range asyncSinks {
			a.Close()
		}
	}()

	var polylines simulation.PolylineProvider
	var geocoder order.Geocoder
	if cfg.Maps.APIKey != "" {
		client, err := maps.NewClient(cfg.Maps.APIKey)
		if err != nil {
			return fmt.Errorf("maps client: %w", err)
		}
		polylines = maps.NewDirectionsProvider(client, maps.NewBreaker(maps.DefaultBreakerConfig("directions"), log))
		geocoder = maps.NewGeocoder(client, maps.NewBreaker(maps.DefaultBreakerConfig("geocoding"), log))
	} else {
		log.Warn("no maps api key; trips use straight-line paths and addresses are not geocoded")
	}

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool))
	orderSvc := order.NewService(order.NewStore(dbPool), pricingSvc, topo, geocoder, log.With("module", "order"))

	simSvc := simulation.NewService(simulationConfig(cfg.Simulation), topo, polylines, orderSvc, sinks, log.With("module", "simulation"))
	defer simSvc.Close()

	poolStore := dispatch.NewStore(redisClient)
	dispatchCfg := dispatch.Config{
		MaxCouriers:        cfg.Dispatch.MaxRiders,
		PerCourierCapacity: cfg.Dispatch.PerRiderMaxOrders,
		SchedulerTick:      cfg.Dispatch.SchedulerTick,
	}
	if maxRiders, perRider, ok, err := poolStore.LoadConfig(ctx); err != nil {
		log.Warn("load saved pool config failed", "err", err)
	} else if ok {
		dispatchCfg.MaxCouriers, dispatchCfg.PerCourierCapacity = maxRiders, perRider
	}
	dispatchSvc, err := dispatch.NewService(dispatchCfg, origin, orderSvc, simSvc, sinks, poolStore, log.With("module", "dispatch"))
	if err != nil {
		return err
	}
	simSvc.SetCompletionHandler(dispatchSvc)
	go dispatchSvc.RunScheduler(ctx)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Order:     orderSvc,
		Dispatch:  dispatchSvc,
		Trips:     simSvc,
		Topology:  topo,
		Hub:       hub,
		Positions: redisSink,
		Verifier:  verifier,
		Log:       log.With("module", "http"),
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx)
}

// loadTopology prefers the facilities table and seeds it from the YAML file when empty.
func loadTopology(ctx context.Context, store *topology.Store, seedPath string, log *slog.Logger) (*topology.Topology, error) {
	topo, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load facilities: %w", err)
	}
	if len(topo.Facilities()) > 0 {
		log.Info("topology loaded", "facilities", len(topo.Facilities()))
		return topo, nil
	}
	seed, err := topology.LoadSeedFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("topology seed: %w", err)
	}
	if err := store.Save(ctx, seed); err != nil {
		return nil, fmt.Errorf("save topology seed: %w", err)
	}
	log.Info("topology seeded", "path", seedPath, "facilities", len(seed.Facilities()))
	return seed, nil
}

func simulationConfig(c config.SimulationConfig) simulation.Config {
	out := simulation.DefaultConfig()
	out.TickInterval = c.TickInterval
	out.PolylineTimeout = c.PolylineTimeout
	out.AirThresholdKm = c.AirThresholdKm
	out.LongTrunkKm = c.LongTrunkKm
	out.DeliveryStepKm = c.DeliveryStepKm
	out.TrunkStepKm = c.TrunkStepKm
	out.AirStepKm = c.AirStepKm
	return out
}
