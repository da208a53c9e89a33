package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/modules/contract/natsrpc"
	"github.com/romshark/shardforms/modules/csrf/hmac"
	"github.com/romshark/shardforms/modules/msgbroker"
	brokerinmem "github.com/romshark/shardforms/modules/msgbroker/inmem"
	"github.com/romshark/shardforms/modules/msgbroker/natsjs"
	"github.com/romshark/shardforms/modules/sessmanager"
	sessinmem "github.com/romshark/shardforms/modules/sessmanager/inmem"
	"github.com/romshark/shardforms/modules/sessmanager/natskv"
	"github.com/romshark/shardforms/modules/sesstokgen"
	"github.com/romshark/shardforms/modules/wallet"
	"github.com/romshark/shardforms/server"
)

func main() {
	fConfig := flag.String("config", "config.yaml", "Path to the YAML config file")
	fMsgBrokerMem := flag.Bool("msg-broker-inmem", false,
		"Forces in-memory message broker instead of NATS")
	flag.Parse()

	conf, err := LoadConfig(*fConfig)
	if err != nil {
		fatal("reading config", err)
	}
	if *fMsgBrokerMem {
		conf.Broker.Store = StoreInmem
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, err := nats.Connect(conf.NATS.URL, nats.Name("shardforms"))
	if err != nil {
		fatal("opening NATS connection", err)
	}
	defer conn.Close()

	metrics := app.NewMetrics(prometheus.DefaultRegisterer)

	var opts []server.ServerOption

	withAccessLogger(&opts)
	withCSRFProtection(&opts, conf)
	withStaticFS(&opts, conf)
	withPrometheus(&opts, conf)

	w, err := wallet.New(wallet.Config{WalletURL: conf.Wallet.URL})
	if err != nil {
		fatal("initializing wallet", err)
	}

	a, err := app.NewApp(app.Config{
		BaseURL:     conf.BaseURL,
		SettleDelay: conf.SettleDelay(),
	}, app.Deps{
		Variants: variants(conn, conf),
		Sessions: sessionManager(conn, conf),
		Wallet:   w,
		Broker:   messageBroker(conn, conf),
		Metrics:  metrics,
	})
	if err != nil {
		fatal("initializing app", err)
	}

	s := server.NewServer(a, opts...)
	listenAndServe(ctx, s, conf)
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("err", err))
	os.Exit(1)
}

func withAccessLogger(opts *[]server.ServerOption) {
	loggerAccess := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	o := server.WithMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loggerAccess.Info("access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	})
	*opts = append(*opts, o)
}

func withCSRFProtection(opts *[]server.ServerOption, conf *Config) {
	tm, err := hmac.New([]byte(conf.CSRF.Secret))
	if err != nil {
		fatal("initializing CSRF protection", err)
	}
	if conf.CSRF.DevBypassToken != "" {
		slog.Warn("CSRF dev bypass token is enabled")
	}
	*opts = append(*opts, server.WithCSRFProtection(server.CSRFConfig{
		TokenManager:   tm,
		DevBypassToken: conf.CSRF.DevBypassToken,
	}))
}

func withStaticFS(opts *[]server.ServerOption, conf *Config) {
	fsStatic, err := app.FSStatic()
	if err != nil {
		fatal("preparing static fs", err)
	}
	var fsDev http.FileSystem
	if conf.DevMode {
		fsDev = app.FSStaticDev()
	}
	*opts = append(*opts, server.WithStaticFS("/static/", fsStatic, fsDev))
}

func withPrometheus(opts *[]server.ServerOption, conf *Config) {
	if conf.HostMetrics == "" {
		slog.Info("metrics disabled")
		return
	}
	*opts = append(*opts, server.WithPrometheus(server.PrometheusConfig{
		Host: conf.HostMetrics,
		// Gatherer left nil => default
	}))
}

func variants(conn *nats.Conn, conf *Config) []*app.Variant {
	vs := make([]*app.Variant, len(conf.Variants))
	for i, vc := range conf.Variants {
		v := vc.Variant()
		c, err := natsrpc.New(conn, natsrpc.Config{
			ContractID:    v.ContractID,
			SubjectPrefix: conf.Contract.SubjectPrefix,
			Timeout:       conf.Contract.Timeout(),
		})
		if err != nil {
			fatal("initializing contract client", err)
		}
		v.Client = c
		vs[i] = v
	}
	return vs
}

func sessionManager(
	conn *nats.Conn, conf *Config,
) sessmanager.SessionManager[app.Session] {
	tokGen := sesstokgen.Generator{Length: sesstokgen.DefaultLength}
	if conf.Sessions.Store == StoreInmem {
		slog.Warn("using in-memory session store")
		return sessinmem.New[app.Session](tokGen)
	}
	key, err := conf.Sessions.Key()
	if err != nil {
		fatal("decoding session encryption key", err)
	}
	sm, err := natskv.New[app.Session](conn, tokGen, natskv.Config{
		EncryptionKey: key,
		KVConfig: nats.KeyValueConfig{
			Bucket: natskv.DefaultBucket,
			TTL:    conf.Sessions.TTL(),
		},
	})
	if err != nil {
		fatal("initializing NATS session store", err)
	}
	return sm
}

func messageBroker(conn *nats.Conn, conf *Config) msgbroker.MessageBroker {
	if conf.Broker.Store == StoreInmem {
		slog.Info("using in-memory message broker")
		return brokerinmem.New(msgbroker.DefaultChanBuffer)
	}
	b, err := natsjs.New(conn, natsjs.Config{
		StreamConfig: &nats.StreamConfig{
			Name:    conf.Broker.Stream,
			Storage: nats.FileStorage,
		},
	})
	if err != nil {
		fatal("initializing NATS message broker", err)
	}
	subjects := make([]string, len(conf.Variants))
	for i, vc := range conf.Variants {
		subjects[i] = vc.Variant().SubjectSubmitted()
	}
	if err := b.InitStreams(subjects); err != nil {
		fatal("initializing message broker streams", err)
	}
	slog.Info("using NATS message broker")
	return b
}

func listenAndServe(ctx context.Context, s *server.Server, conf *Config) {
	var err error
	slog.Info("listening", slog.String("host", conf.Host))
	if conf.TLS.Cert == "" {
		err = s.ListenAndServe(ctx, conf.Host)
	} else {
		err = s.ListenAndServeTLS(ctx, conf.Host, conf.TLS.Cert, conf.TLS.Key)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("listening", slog.Any("err", err))
	}
}
