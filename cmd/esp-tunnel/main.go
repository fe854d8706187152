// esp-tunnel 用户态 ESP 隧道：TUN 设备 <-> UDP 4500
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/ipsec"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/sa"
	"github.com/iniwex5/esp-go/pkg/tun"
)

func main() {
	fs := flag.NewFlagSet("esp-tunnel", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "esp-tunnel.yaml", "tunnel configuration file")
		logLevel    = fs.String("log-level", "info", "debug, info, warn or error")
		logFormat   = fs.String("log-format", "console", "console or json")
		metricsAddr = fs.String("metrics", "", "listen address for the prometheus endpoint; empty disables it")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("ESP_TUNNEL")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logger.Init(*logLevel, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", logger.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *metricsAddr); err != nil {
		logger.Error("隧道异常退出", logger.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *fileConfig, metricsAddr string) (err error) {
	backend, err := cryptodev.NewSoftware(cfg.backendConfig())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, backend.Close()) }()

	reg := prometheus.NewRegistry()
	tc := cfg.transformConfig()
	tc.Registerer = reg
	t := ipsec.NewTransform(backend, tc)

	out, err := newSA(t, cfg.Outbound)
	if err != nil {
		return fmt.Errorf("出站 SA: %w", err)
	}
	defer out.Kill()
	in, err := newSA(t, cfg.Inbound)
	if err != nil {
		return fmt.Errorf("入站 SA: %w", err)
	}
	defer in.Kill()

	transport, err := ipsec.NewUDPTransport(cfg.Local, cfg.Remote)
	if err != nil {
		return err
	}
	if cfg.Keepalive > 0 {
		go keepalive(ctx, transport, cfg.Keepalive)
	}

	if cfg.KernelOffload.Enabled {
		return runOffload(ctx, transport, out, in, cfg.KernelOffload.Ifid)
	}

	dev, err := tun.Open(tun.Config{Name: cfg.TUN.Name, MTU: cfg.TUN.MTU, NetNS: cfg.TUN.NetNS})
	if err != nil {
		transport.Close()
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("指标服务退出", logger.Err(err))
			}
		}()
		defer srv.Close()
	}

	dp := ipsec.NewDataPlane(ctx, t, dev, transport, cfg.TUN.MTU)
	dp.SetSecurityAssociations(in, out, sa.NewPolicy("esp-tunnel"))
	dp.Start()
	logger.Info("隧道已启动", logger.String("tun", dev.Name()), logger.String("local", transport.LocalAddr().String()),
		logger.String("remote", cfg.Remote), logger.SPI(out.SPI()))

	<-ctx.Done()

	// 关闭设备和套接字让读循环退出，再等待在途请求
	err = multierr.Combine(dev.Close(), transport.Close())
	dp.Stop()

	st := dp.GetStats()
	logger.Info("隧道已停止",
		logger.Uint64("sent", st.PacketsSent), logger.Uint64("received", st.PacketsReceived),
		logger.Uint64("encrypt_errors", st.EncryptErrors), logger.Uint64("decrypt_errors", st.DecryptErrors))
	return err
}

// runOffload 数据面交给内核，用户态只保留套接字和 keepalive
func runOffload(ctx context.Context, transport *ipsec.UDPTransport, out, in *sa.SecurityAssociation, ifid int) (err error) {
	defer func() { err = multierr.Append(err, transport.Close()) }()

	inst, err := installOffload(transport, out, in, ifid)
	if err != nil {
		return fmt.Errorf("内核下发失败: %w", err)
	}
	defer func() { err = multierr.Append(err, inst.Cleanup()) }()

	<-ctx.Done()
	logger.Info("内核隧道已停止", logger.SPI(out.SPI()))
	return nil
}

func newSA(t *ipsec.Transform, c saConfig) (*sa.SecurityAssociation, error) {
	sc, err := c.toSA()
	if err != nil {
		return nil, err
	}
	sav, err := sa.New(sc)
	if err != nil {
		return nil, err
	}
	if err := t.Init(sav); err != nil {
		return nil, err
	}
	return sav, nil
}
