// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command mcrouted wires the multicast routing controller's components
// into a running process: group manager (C5), link-load sampler (C2), host
// tracker (C3), routing engine (C6) and route installer (C7), driven by a
// single cooperative scheduler (internal/sched). Topology discovery, the
// unicast shortest-path service and the OpenFlow switch transport are
// out of scope (spec.md §1) and are supplied here by internal/ofstub until
// a real binding is plugged in.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcroute.dev/mcroute/internal/config"
	"mcroute.dev/mcroute/internal/groupmgr"
	"mcroute.dev/mcroute/internal/hosttrack"
	"mcroute.dev/mcroute/internal/install"
	"mcroute.dev/mcroute/internal/linkload"
	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/ofstub"
	"mcroute.dev/mcroute/internal/routing"
	"mcroute.dev/mcroute/internal/sched"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	metricsAddr := flag.String("metrics-addr", ":9273", "Listen address for the /metrics endpoint")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	groupCfg, err := cfg.GroupMgrConfig()
	if err != nil {
		log.Fatalf("group manager config: %v", err)
	}
	linkCfg, err := cfg.LinkLoadConfig()
	if err != nil {
		log.Fatalf("link-load config: %v", err)
	}
	hostOpts, err := cfg.HostTrackOptions()
	if err != nil {
		log.Fatalf("host-tracker config: %v", err)
	}
	installCfg := cfg.InstallConfig()

	root := logging.Default()
	root.Info("starting mcrouted", "metrics-addr", *metricsAddr)

	bridge := ofstub.New()
	s := sched.New(sched.RealClock{})

	groupMgr := groupmgr.New(groupCfg, bridge, bridge, s)
	linkSampler := linkload.New(linkCfg, bridge, s)
	hostTracker := hosttrack.New(s, sched.RealClock{}, hostOpts...)
	routingMgr := routing.New(bridge, bridge, hostTracker, s)
	installer := install.New(bridge, bridge, routingMgr, installCfg)

	// Subscription order is the ordering guarantee itself (internal/sched's
	// Bus delivers in registration order): the routing engine must see a
	// GroupEvent and recompute its tree before the installer reacts to the
	// same event, or the installer would ask for a tree that hasn't been
	// updated yet.
	groupMgr.Bus().Subscribe(routingMgr.HandleGroupEvent)
	groupMgr.Bus().Subscribe(installer.HandleGroupEvent)
	linkSampler.Bus().Subscribe(routingMgr.HandleLinkWeightChanged)

	prometheus.MustRegister(linkSampler.Collector(), installer.Collector())
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			root.Warn("metrics server stopped", "err", err)
		}
	}()

	linkSampler.Start()
	defer linkSampler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root.Info("scheduler running")
	s.Run(ctx)
	root.Info("shutting down")
}
