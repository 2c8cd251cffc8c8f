package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/globaldothealth/fhirflat/server"
)

func serveCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flattening and unflattening over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Addr
			}

			ctx := cmd.Context()
			conv, err := a.converter(ctx)
			if err != nil {
				return err
			}
			srv := server.New(conv)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from FHIRFLAT_ADDR, :8080)")
	return cmd
}
