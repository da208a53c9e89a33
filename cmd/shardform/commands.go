package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/form"
	"github.com/romshark/shardforms/modules/contract"
	"github.com/romshark/shardforms/modules/contract/natsrpc"
	"github.com/romshark/shardforms/modules/msgbroker"
	"github.com/romshark/shardforms/modules/msgbroker/natsjs"
)

var builtinVariants = []string{"scholarship", "score"}

var (
	colorOK    = color.New(color.FgGreen, color.Bold)
	colorErr   = color.New(color.FgRed, color.Bold)
	colorLabel = color.New(color.FgCyan)
	colorDim   = color.New(color.Faint)
)

var ErrUnknownVariant = errors.New("unknown variant")

// lookupVariant returns the built-in variant named id.
// Unknown IDs produce an error suggesting similar variants.
func lookupVariant(id string) (*app.Variant, error) {
	if v := app.Builtin(id); v != nil {
		return v, nil
	}
	ranks := fuzzy.RankFindNormalizedFold(id, builtinVariants)
	if len(ranks) < 1 {
		return nil, fmt.Errorf("%w %q", ErrUnknownVariant, id)
	}
	sort.Sort(ranks)
	return nil, fmt.Errorf("%w %q, did you mean %q?",
		ErrUnknownVariant, id, ranks[0].Target)
}

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants [query]",
		Short: "List the available variants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := builtinVariants
			if len(args) == 1 {
				ids = fuzzy.FindNormalizedFold(args[0], builtinVariants)
			}
			printVariants(cmd.OutOrStdout(), ids)
			return nil
		},
	}
}

func printVariants(w io.Writer, ids []string) {
	for _, id := range ids {
		v := app.Builtin(id)
		_, _ = colorLabel.Fprint(w, v.ID)
		_, _ = fmt.Fprintf(w, "\t%s(%s, %s)\t%s\n",
			v.Schema.Method, v.Schema.Name.Arg, v.Schema.Number.Arg, v.Heading)
	}
}

func newSubmitCmd(conf *Config) *cobra.Command {
	var (
		name, number, contractID string
		lenient                  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <variant>",
		Short: "Submit a form to the variant's contract",
		Long: "Submit a form to the variant's contract. " +
			"Fields not given as flags are prompted for interactively.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := lookupVariant(args[0])
			if err != nil {
				return err
			}
			if contractID != "" {
				v.ContractID = contractID
			}
			if lenient {
				v.Schema.Validation = form.ValidationLenient
			}

			st := form.State{Name: name, Number: number}
			if !cmd.Flags().Changed("name") || !cmd.Flags().Changed("number") {
				if st, err = promptForm(v, st); err != nil {
					return err
				}
			}

			conn, err := nats.Connect(conf.NATSURL, nats.Name("shardform"))
			if err != nil {
				return fmt.Errorf("connecting to NATS: %w", err)
			}
			defer conn.Close()

			client, err := natsrpc.New(conn, natsrpc.Config{
				ContractID:    v.ContractID,
				SubjectPrefix: conf.ContractSubjectPrefix,
				Timeout:       conf.ContractTimeout,
			})
			if err != nil {
				return err
			}
			return submit(cmd.Context(), cmd.OutOrStdout(), v, client, conf.Signer, st)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "value of the name field")
	cmd.Flags().StringVar(&number, "number", "", "value of the numeric field")
	cmd.Flags().StringVar(&contractID, "contract-id", "", "overrides the variant's contract")
	cmd.Flags().BoolVar(&lenient, "lenient", false, "forward unparsable numbers as null")
	return cmd
}

func promptForm(v *app.Variant, st form.State) (form.State, error) {
	f := huh.NewForm(huh.NewGroup(
		huh.NewNote().Title(v.Heading).Description(v.Prompt),
		huh.NewInput().Title(v.Schema.Name.Label).Value(&st.Name),
		huh.NewInput().Title(v.Schema.Number.Label).Value(&st.Number).
			Validate(func(s string) error {
				if v.Schema.Validation == form.ValidationLenient {
					return nil
				}
				_, err := form.ParseStrict(s)
				return err
			}),
	))
	if err := f.Run(); err != nil {
		return st, fmt.Errorf("prompting: %w", err)
	}
	return st, nil
}

func submit(
	ctx context.Context, w io.Writer,
	v *app.Variant, client contract.Client, signer string, st form.State,
) error {
	ctx = contract.WithSigner(ctx, signer)
	next, err := form.Submit(ctx, v.Schema, client, st)
	if err != nil {
		_, _ = colorErr.Fprintln(w, "✗ submission failed")
		return err
	}
	_, _ = colorOK.Fprintf(w, "✓ %s submitted to %s\n", v.Schema.Method, v.ContractID)
	if v.Schema.ShowResult && next.Result != "" {
		_, _ = colorLabel.Fprint(w, "result: ")
		_, _ = fmt.Fprintln(w, next.Result)
	}
	return nil
}

func newWatchCmd(conf *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [variant...]",
		Short: "Print submission events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if len(ids) < 1 {
				ids = builtinVariants
			}
			subjects := make([]string, len(ids))
			for i, id := range ids {
				v, err := lookupVariant(id)
				if err != nil {
					return err
				}
				subjects[i] = v.SubjectSubmitted()
			}

			conn, err := nats.Connect(conf.NATSURL, nats.Name("shardform"))
			if err != nil {
				return fmt.Errorf("connecting to NATS: %w", err)
			}
			defer conn.Close()

			b, err := natsjs.New(conn, natsjs.Config{})
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), b, subjects)
		},
	}
}

func watch(
	ctx context.Context, w io.Writer, b msgbroker.MessageBroker, subjects []string,
) error {
	sub, err := b.Subscribe(ctx, msgbroker.NoMetrics{}, subjects...)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Close()

	_, _ = colorDim.Fprintf(w, "watching %s\n", strings.Join(subjects, ", "))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.C():
			if !ok {
				return nil
			}
			printEvent(w, m)
		}
	}
}

func printEvent(w io.Writer, m msgbroker.Message) {
	var e app.EventFormSubmitted
	if err := json.Unmarshal(m.Data, &e); err != nil {
		_, _ = colorErr.Fprintf(w, "malformed event on %s: %v\n", m.Subject, err)
		return
	}
	_, _ = colorDim.Fprint(w, e.Time.Format("15:04:05"), " ")
	_, _ = colorLabel.Fprint(w, e.Variant)
	args, _ := json.Marshal(e.Args)
	_, _ = fmt.Fprintf(w, " %s%s", e.Method, args)
	if e.Signer != "" {
		_, _ = fmt.Fprintf(w, " by %s", e.Signer)
	}
	if e.Result != "" {
		_, _ = fmt.Fprintf(w, " → %s", e.Result)
	}
	_, _ = fmt.Fprintln(w)
}
