// Command scanner is the device-side process: it wires the configuration,
// identity, trust, pairing, and controller packages together, then drives
// the Idle -> Paired -> Capturing -> Finalized lifecycle from a handful of
// bootstrap environment variables so the whole pipeline can be exercised
// without a companion mobile UI.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"scan/pkg/capture"
	"scan/pkg/configuration"
	"scan/pkg/controller"
	"scan/pkg/discovery"
	"scan/pkg/identitystore"
	"scan/pkg/ids"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/pairing"
	"scan/pkg/truststore"
	"strconv"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configuration.New(ctx, logger.NewSimple("configuration"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New("scanner", cfg.Common.LogPath, cfg.Common.Production)
	if err != nil {
		panic(err)
	}

	identity, err := identitystore.New(cfg.Identity.DocumentPath, log.New("identity"))
	if err != nil {
		panic(err)
	}
	trust, err := truststore.New(cfg.Trust.StorePath, cfg.Trust.KeyPath)
	if err != nil {
		panic(err)
	}
	pairingClient := pairing.New(identity, trust, log.New("pairing"), time.Duration(cfg.Pairing.ConfirmTimeoutSeconds)*time.Second)

	ctrl := controller.New(cfg, identity, trust, pairingClient, log.New("controller"))
	mainLog := log.New("main")
	mainLog.Event("scanner.started", ctrl.CorrelationID())

	done := make(chan struct{})
	go run(ctx, ctrl, cfg, mainLog, done)

	<-ctx.Done()
	mainLog.Info("halting signal received")
	<-done
	mainLog.Info("stopped")
}

// run executes the bootstrap-driven lifecycle: optionally pair from a QR
// payload on disk, optionally run a timed capture window, optionally
// export, and otherwise idle until the context is cancelled, printing a
// status line every five seconds.
func run(ctx context.Context, ctrl *controller.Controller, cfg *model.Cfg, log *logger.Log, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	if boolEnv("SCAN_AUTOPAIR") {
		if err := autoPair(ctx, ctrl, cfg, log); err != nil {
			log.EventError("scanner.autopair_failed", ctrl.CorrelationID(), err)
		}
	}

	captureDone := make(chan struct{})
	if ctrl.Status().State == controller.StateCapturing {
		go autoCapture(ctx, ctrl, log, captureDone)
	} else {
		close(captureDone)
	}

	for {
		select {
		case <-ctx.Done():
			if ctrl.Status().State == controller.StateCapturing {
				if _, err := ctrl.Stop(ctx); err != nil {
					log.EventError("scanner.stop_failed", ctrl.CorrelationID(), err)
				}
			}
			return
		case <-captureDone:
			captureDone = nil
			if boolEnv("SCAN_AUTOEXPORT") && ctrl.Status().State == controller.StateFinalized {
				if dir, err := ctrl.Export(""); err != nil {
					log.EventError("scanner.export_failed", ctrl.CorrelationID(), err)
				} else {
					log.Event("scanner.exported", ctrl.CorrelationID(), "export_dir", dir)
				}
			}
		case <-ticker.C:
			status := ctrl.Status()
			log.Event("scanner.status", ctrl.CorrelationID(), "state", string(status.State), "detail", status.Detail)
		}
	}
}

func autoPair(ctx context.Context, ctrl *controller.Controller, cfg *model.Cfg, log *logger.Log) error {
	path := os.Getenv("SCAN_QR_PAYLOAD_PATH")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	payload, err := pairing.ValidateQR(raw)
	if err != nil {
		return err
	}
	if _, err := ctrl.Pair(ctx, raw); err != nil {
		return err
	}

	host, port, err := discoveryEndpointFromQUIC(payload.QUICEndpoint)
	if err != nil {
		return err
	}

	sessionID := os.Getenv("SCAN_SESSION_ID")
	if sessionID == "" {
		sessionID = ids.New()
	}

	return ctrl.StartCapture(ctx, controller.StartCaptureOptions{
		SessionID:     sessionID,
		Endpoint:      discovery.Endpoint{DeviceID: payload.DesktopDeviceID, Host: host, QUICPort: port},
		ClockID:       "scanner",
		CaptureParams: capture.ParamsFromConfig(cfg.Capture),
	})
}

func discoveryEndpointFromQUIC(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func autoCapture(ctx context.Context, ctrl *controller.Controller, log *logger.Log, done chan<- struct{}) {
	defer close(done)

	seconds := intEnv("SCAN_AUTOCAPTURE_SECONDS", 0)
	if seconds <= 0 {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(seconds) * time.Second):
	}

	if ctrl.Status().State != controller.StateCapturing {
		return
	}
	if _, err := ctrl.Stop(ctx); err != nil {
		log.EventError("scanner.autocapture_stop_failed", ctrl.CorrelationID(), err)
	}
}

func boolEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
