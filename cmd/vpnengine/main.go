package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/vpnengine/pkg/api"
	"github.com/irctrakz/vpnengine/pkg/catalog"
	"github.com/irctrakz/vpnengine/pkg/config"
	"github.com/irctrakz/vpnengine/pkg/controller"
	"github.com/irctrakz/vpnengine/pkg/keystore"
	"github.com/irctrakz/vpnengine/pkg/logging"
	"github.com/irctrakz/vpnengine/pkg/prober"
	"github.com/irctrakz/vpnengine/pkg/tun"
	"github.com/irctrakz/vpnengine/pkg/wireguard"
)

func main() {
	var (
		configPath  = flag.String("config", "", "config file (.yaml, .yml or .json)")
		writeConfig = flag.String("write-config", "", "write the effective config to this path and exit")
		keygen      = flag.Bool("keygen", false, "generate a private key in the keyring and print its public key")
		connect     = flag.String("connect", "", "endpoint id to connect to at startup (\"quick\" for quick connect)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}

	if *writeConfig != "" {
		if err := cfg.SaveToFile(*writeConfig); err != nil {
			logging.Fatalf("write config: %v", err)
		}
		logging.Infof("config written to %s", *writeConfig)
		return
	}

	keys := keystore.New(cfg.WireGuard.KeyringService)
	if *keygen {
		pub, err := keys.Generate(keyAccount(cfg.WireGuard.PrivateKey))
		if err != nil {
			logging.Fatalf("keygen: %v", err)
		}
		fmt.Println(pub)
		return
	}

	if err := run(cfg, keys, *connect); err != nil {
		logging.Errorf("vpnengine: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, and the environment, in that
// order, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, keys *keystore.Store, connectTo string) error {
	privateKey, err := loadPrivateKey(cfg, keys)
	if err != nil {
		return err
	}

	cat, err := catalog.New(cfg.Endpoints()...)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	factory := tun.Factory(tun.Kernel)
	if cfg.WireGuard.Userspace {
		factory = tun.MemoryFactory(func(m *tun.Memory) {
			name, _ := m.Name()
			logging.Infof("userspace tun %s ready", name)
		})
	}
	driver, err := wireguard.NewDriver(wireguard.DriverConfig{
		PrivateKey:    privateKey,
		InterfaceName: cfg.WireGuard.Interface,
		MTU:           cfg.WireGuard.MTU,
		ListenPort:    cfg.WireGuard.ListenPort,
		AllowedIPs:    cfg.WireGuard.AllowedIPs,
		KeepaliveSec:  cfg.WireGuard.KeepaliveSec,
		StaleAfter:    cfg.WireGuard.StaleAfter.Std(),
		TUN:           factory,
	})
	if err != nil {
		return fmt.Errorf("wireguard: %w", err)
	}
	logging.Infof("client public key %s", driver.PublicKey())

	ctrl, err := controller.New(cat, driver, controller.Options{
		SampleInterval:    cfg.Engine.SampleInterval.Std(),
		ConnectTimeout:    cfg.Engine.ConnectTimeout.Std(),
		DefaultEndpointID: cfg.Engine.DefaultServer,
	})
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	unsubscribe := ctrl.Subscribe(logTransition)
	defer unsubscribe()
	if iv := cfg.Engine.StatusInterval.Std(); iv > 0 {
		g.Go(func() error {
			runStatusReporter(gctx, ctrl, iv)
			return nil
		})
	}

	if cfg.Prober.Enabled && cat.Len() > 0 {
		p := prober.New(cat, &prober.ICMPPinger{
			Privileged: cfg.Prober.Privileged,
			Timeout:    cfg.Prober.Timeout.Std(),
		}, prober.Options{
			Interval:    cfg.Prober.Interval.Std(),
			Concurrency: cfg.Prober.Concurrency,
			Timeout:     cfg.Prober.Timeout.Std(),
		})
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.NewRouter(gctx, ctrl),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Infof("control API listening on %s", cfg.API.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if connectTo != "" {
		g.Go(func() error {
			var err error
			if connectTo == "quick" {
				_, err = ctrl.QuickConnect(gctx)
			} else {
				_, err = ctrl.Connect(gctx, connectTo)
			}
			if err != nil {
				logging.Warnf("startup connect: %v", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	logging.Infof("shutting down")
	if _, err := ctrl.Disconnect(); err != nil {
		logging.Warnf("disconnect: %v", err)
	}
	return g.Wait()
}

// loadPrivateKey resolves the configured key. A keyring reference with no
// stored key gets a freshly generated one.
func loadPrivateKey(cfg *config.Config, keys *keystore.Store) (string, error) {
	value := cfg.WireGuard.PrivateKey
	key, err := keys.Resolve(value)
	if errors.Is(err, keystore.ErrNotFound) {
		account := keyAccount(value)
		pub, genErr := keys.Generate(account)
		if genErr != nil {
			return "", fmt.Errorf("generate key: %w", genErr)
		}
		logging.Warnf("no key stored for %q; generated one, register public key %s with your servers", account, pub)
		key, err = keys.PrivateKey(account)
	}
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	return key, nil
}

func keyAccount(value string) string {
	if account, ok := strings.CutPrefix(strings.TrimSpace(value), keystore.RefPrefix); ok && account != "" {
		return account
	}
	return "default"
}
