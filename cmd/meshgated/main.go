package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"meshgate/pkg/alloc"
	"meshgate/pkg/api"
	"meshgate/pkg/db"
	"meshgate/pkg/engine"
	"meshgate/pkg/mesh"
	"meshgate/pkg/provider"
	"meshgate/pkg/rules"
	"meshgate/pkg/store"
	"meshgate/pkg/tunnel"
	"meshgate/pkg/version"
)

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	addr := flag.String("addr", envDefault("MESHGATE_ADDR", ":8080"), "listen address")
	storeType := flag.String("store", envDefault("MESHGATE_STORE", "sqlite"), "store backend: memory|sqlite|consul (consul requires build tag consul)")
	sqlitePath := flag.String("sqlite-path", envDefault("MESHGATE_SQLITE", "/var/lib/meshgate/state.db"), "sqlite database path (when store=sqlite)")
	consulAddr := flag.String("consul-addr", envDefault("CONSUL_ADDR", "127.0.0.1:8500"), "consul address (when store=consul)")
	tableLo := flag.Int("table-lo", 100, "lowest routing table id handed to peers")
	tableHi := flag.Int("table-hi", 199, "highest routing table id handed to peers")
	wgConfDir := flag.String("wg-conf-dir", envDefault("MESHGATE_WG_DIR", "/etc/wireguard"), "directory for rendered tunnel configs")
	sshUser := flag.String("ssh-user", envDefault("MESHGATE_SSH_USER", ""), "ssh user for pointing peers at this exit node (empty disables)")
	serverURL := flag.String("server-list-url", envDefault("MESHGATE_SERVER_LIST", ""), "tunnel provider region list URL (empty uses the provider default)")
	dryRun := flag.Bool("dry-run", false, "record kernel mutations in memory instead of applying them")
	withAuth := flag.Bool("auth", false, "require JWT auth (needs MySQL for accounts)")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	flag.Parse()

	var st store.EnrollmentStore
	switch *storeType {
	case "memory":
		st = store.NewMemoryStore()
	case "sqlite":
		s, err := store.NewSQLiteStore(*sqlitePath)
		if err != nil {
			log.Fatalf("open sqlite store: %v", err)
		}
		st = s
	case "consul":
		st = store.NewConsulStore(*consulAddr)
	default:
		log.Fatalf("unsupported store type: %s", *storeType)
	}

	var kernel rules.KernelStateStore
	if *dryRun {
		log.Printf("dry-run: kernel mutations are simulated")
		kernel = rules.NewFakeKernel()
	} else {
		kernel = rules.NewLinuxKernel()
	}

	pool, err := alloc.NewPool(*tableLo, *tableHi)
	if err != nil {
		log.Fatalf("table pool: %v", err)
	}

	privKey := os.Getenv("WG_PRIVATE_KEY")
	if privKey == "" {
		kp, err := provider.GenerateKeypair()
		if err != nil {
			log.Fatalf("generate wireguard key: %v", err)
		}
		privKey = kp.PrivateKey
		log.Printf("generated wireguard identity pubkey=%s (set WG_PRIVATE_KEY to persist)", kp.PublicKey)
	}

	settings, err := st.GetSettings()
	if err != nil {
		log.Fatalf("load settings: %v", err)
	}
	var link tunnel.Link
	if *dryRun {
		link = tunnel.NewFakeLink()
	} else {
		link = tunnel.NewWGLink(*wgConfDir, privKey)
	}
	tunnels := tunnel.NewManager(link, tunnel.ConfigFrom(settings.Tunnel))

	installer := rules.NewInstaller(kernel)
	bypass := rules.NewBypassManager(kernel, "")

	eng := engine.New(st, pool, tunnels, installer, bypass)
	hub := api.NewEventHub()
	eng.SetEventPublisher(hub.Publish)
	var forwarding rules.ForwardingController
	if fc, ok := kernel.(rules.ForwardingController); ok {
		forwarding = fc
		eng.SetForwardingController(fc)
	}
	if _, err := eng.EnsureForwarding(); err != nil {
		log.Printf("ip forwarding: %v", err)
	}

	directory := mesh.NewDirectory()
	if *sshUser != "" {
		eng.SetRemoteConfigurer(mesh.NewSSHConfigurer(*sshUser))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if hostAddr, _, err := directory.ExitStatus(ctx); err != nil {
		log.Printf("mesh status unavailable, bypass deferred to reconciler: %v", err)
	} else {
		eng.SetHostAddr(hostAddr)
	}

	if err := eng.Rehydrate(ctx); err != nil {
		log.Fatalf("rehydrate: %v", err)
	}

	rec := engine.NewReconciler(eng, tunnels)
	rec.SetExitSource(directory)
	go rec.Run(ctx)

	mux := http.NewServeMux()
	ctrl := &api.Controller{
		Store:      st,
		Engine:     eng,
		Directory:  directory,
		Provider:   provider.NewClient(*serverURL),
		Hub:        hub,
		Forwarding: forwarding,
		RequireJWT: *withAuth,
	}
	ctrl.RegisterRoutes(mux)
	if *withAuth {
		gdb, err := db.Init()
		if err != nil {
			log.Fatalf("mysql init: %v", err)
		}
		(&api.AuthHandler{DB: gdb}).RegisterRoutes(mux)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("meshgated %s listening on %s store=%s", version.Build, *addr, *storeType)
	if *tlsCert != "" && *tlsKey != "" {
		if *clientCA != "" {
			cfg, errTLS := api.ServerTLSConfig(*tlsCert, *tlsKey, *clientCA)
			if errTLS != nil {
				log.Fatalf("failed to build TLS config: %v", errTLS)
			}
			srv.TLSConfig = cfg
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		}
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("meshgated stopped")
}
