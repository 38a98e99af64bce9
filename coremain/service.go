package coremain

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/mlog"
)

var svcCfg = &service.Config{
	Name:        "smartfwd",
	DisplayName: "smartfwd",
	Description: "smartfwd is a forwarding DNS server.",
}

// serverService adapts StartServer to the kardianos/service lifecycle.
type serverService struct {
	f       *serverFlags
	stopErr chan error
}

func (s *serverService) Start(svc service.Service) error {
	s.stopErr = make(chan error, 1)
	go func() {
		s.stopErr <- StartServer(s.f)
	}()
	return nil
}

func (s *serverService) Stop(svc service.Service) error {
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	return nil
}

func getService() (service.Service, error) {
	return service.New(&serverService{f: new(serverFlags)}, svcCfg)
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install smartfwd as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			if err := svc.Install(); err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			mlog.L().Info("service installed")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the smartfwd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			if err := svc.Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			mlog.L().Info("service uninstalled")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the smartfwd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			return svc.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the smartfwd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the smartfwd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the smartfwd system service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getService()
			if err != nil {
				return err
			}
			status, err := svc.Status()
			if err != nil {
				return fmt.Errorf("failed to query service status: %w", err)
			}
			mlog.L().Info("service status", zap.Int("status", int(status)))
			return nil
		},
		SilenceUsage: true,
	}
}
