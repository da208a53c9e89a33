// Command shardform submits forms to variant contracts and watches
// submission events from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// Config is read from the environment.
type Config struct {
	NATSURL               string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	ContractSubjectPrefix string        `env:"CONTRACT_SUBJECT_PREFIX" envDefault:"contract"`
	ContractTimeout       time.Duration `env:"CONTRACT_TIMEOUT" envDefault:"30s"`

	// Signer is the account the calls are made on behalf of. Optional.
	Signer string `env:"SHARDFORM_SIGNER"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var conf Config
	root := &cobra.Command{
		Use:          "shardform",
		Short:        "Submit shard forms and watch submissions",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			c, err := env.ParseAs[Config]()
			if err != nil {
				return fmt.Errorf("parsing environment: %w", err)
			}
			conf = c
			return nil
		},
	}
	root.AddCommand(
		newVariantsCmd(),
		newSubmitCmd(&conf),
		newWatchCmd(&conf),
	)
	return root
}
