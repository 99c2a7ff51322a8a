package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/metrics"
	"dicemesh/pkg/node"
	"dicemesh/pkg/transport"
	"dicemesh/pkg/utils"
)

func main() {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🎲 DICEMESH Session Node")
	fmt.Println("   BFT mesh delivery for multiplayer dice sessions")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	shutdownMgr := utils.NewShutdownManager(10 * time.Second)

	useJSONLogs := os.Getenv("DICEMESH_JSON_LOGS") == "true"
	logger := logging.NewStructuredLogger(logging.INFO, useJSONLogs)
	logging.SetDefaultLogger(logger)

	cfg, err := core.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	ident := loadOrCreateIdentity()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	dbPath := filepath.Join(cfg.DataDir, fmt.Sprintf("dicemesh-db-%s", ident.PeerID.Short()))

	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	shutdownMgr.RegisterShutdownHook("database", func() error {
		log.Printf("💾 Closing database...")
		return db.Close()
	})

	tr, err := transport.NewLibP2PTransport(cfg.ListenPort, ident.PeerID, logger)
	if err != nil {
		log.Fatalf("❌ Failed to create transport: %v", err)
	}

	registry := metrics.NewRegistry()
	meshMetrics := metrics.NewMeshMetrics(registry)

	meshNode, err := node.New(cfg, ident, tr, db, logger, meshMetrics)
	if err != nil {
		// A fatal kind here means the signature primitive itself failed
		// the startup self-test; the node must not join the mesh.
		log.Fatalf("❌ %v", err)
	}

	if err := meshNode.Start(shutdownMgr.Context()); err != nil {
		log.Fatalf("❌ Failed to start node: %v", err)
	}
	shutdownMgr.RegisterShutdownHook("node", func() error {
		meshNode.Stop()
		return nil
	})

	if bootstrap := os.Getenv("DICEMESH_BOOTSTRAP"); bootstrap != "" {
		recovery := utils.NewErrorRecovery(3, time.Second)
		if err := recovery.RetryWithBackoff(func() error {
			return tr.Connect(bootstrap)
		}, "bootstrap"); err != nil {
			log.Printf("⚠️  Bootstrap connect failed: %v", err)
		}
	}

	metricsPort := 9090
	if portStr := os.Getenv("DICEMESH_METRICS_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			metricsPort = port
		}
	}
	http.Handle("/metrics", registry.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, meshNode.HealthReport())
	})
	utils.SafeGoroutine("metrics-server", func() {
		addr := fmt.Sprintf(":%d", metricsPort)
		log.Printf("📊 Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Printf("⚠️  Metrics server error: %v", err)
		}
	})

	utils.SafeGoroutine("session-events", func() {
		for {
			select {
			case ev := <-meshNode.Events():
				logger.InfoWithFields("🎮 Session event", map[string]interface{}{
					"type": ev.Type.String(),
					"peer": ev.Peer.Short(),
				})
			case <-shutdownMgr.Context().Done():
				return
			}
		}
	})

	fmt.Println("✅ Node Initialized Successfully!")
	fmt.Printf("   📋 Peer ID: %s\n", ident.PeerID)
	fmt.Printf("   💾 Database: %s\n", dbPath)
	fmt.Printf("   🔒 Security level: %s\n", cfg.SecurityLevel)
	fmt.Printf("   🔧 Recovery mode: %s\n", cfg.RecoveryMode)
	for _, addr := range tr.Addresses() {
		fmt.Printf("   📡 Listening: %s\n", addr)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("💡 Node is running. Mesh active...")
	fmt.Printf("   - Metrics endpoint: http://localhost:%d/metrics\n", metricsPort)
	fmt.Println("   - Press Ctrl+C to stop")
	fmt.Println()

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-statsTicker.C:
			logger.InfoWithFields("📊 Node status", meshNode.Stats())
		case <-shutdownMgr.Context().Done():
			return
		}
	}
}

// loadOrCreateIdentity loads the encrypted keystore named by the
// environment, or generates a fresh mnemonic-derived identity in dev
// mode. The mnemonic is printed exactly once; it is the only recovery
// path for the peer identity.
func loadOrCreateIdentity() *identity.Identity {
	keystoreFile := os.Getenv("DICEMESH_KEYSTORE_FILE")
	password := os.Getenv("DICEMESH_KEYSTORE_PASSWORD")

	if keystoreFile != "" && password != "" {
		if identity.KeystoreExists(keystoreFile) {
			log.Printf("🔐 Loading identity from: %s", keystoreFile)
			ident, err := identity.LoadIdentityFromFile(password, keystoreFile)
			if err != nil {
				log.Fatalf("❌ Failed to load keystore: %v", err)
			}
			return ident
		}

		log.Printf("🔐 Keystore not found, creating: %s", keystoreFile)
		mnemonic, err := identity.GenerateMnemonic()
		if err != nil {
			log.Fatalf("❌ Failed to generate mnemonic: %v", err)
		}
		ident, err := identity.NewIdentityFromMnemonic(mnemonic)
		if err != nil {
			log.Fatalf("❌ Failed to derive identity: %v", err)
		}
		if err := identity.SaveIdentityToFile(ident, password, keystoreFile); err != nil {
			log.Fatalf("❌ Failed to save keystore: %v", err)
		}
		fmt.Printf("   ⚠️  Recovery mnemonic (write it down, shown once):\n   %s\n\n", mnemonic)
		return ident
	}

	log.Printf("⚠️  No keystore configured, generating ephemeral identity (DEV MODE)")
	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		log.Fatalf("❌ Failed to generate mnemonic: %v", err)
	}
	ident, err := identity.NewIdentityFromMnemonic(mnemonic)
	if err != nil {
		log.Fatalf("❌ Failed to derive identity: %v", err)
	}
	fmt.Printf("   ⚠️  DEV MODE: ephemeral identity %s\n", ident.PeerID.Short())
	return ident
}
