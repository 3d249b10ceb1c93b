package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/logging"
	"github.com/mbd888/agentbattle/internal/scenario"
	"github.com/mbd888/agentbattle/internal/usdc"
)

var errScenarioFailed = errors.New("scenario expectations failed")

// newRootCmd builds the command tree with its own viper instance so tests
// can run it repeatedly.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AGENTBATTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "battle",
		Short: "Agent battle scenario runner",
		Long: `Replays scripted battles between a requester and a provider agent.

A scenario is a YAML file listing intents in order, each with optional
expectations about the state and balances that follow. 'battle play'
replays one or more scenarios; 'battle validate' only checks them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(playCmd(v))
	root.AddCommand(validateCmd(v))
	root.AddCommand(timelineCmd(v))
	return root
}

func playCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <scenario.yaml>...",
		Short: "Replay scenarios and check their expectations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseConfig(v)
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), v.GetString("log-level"), "text")

			var results []*scenario.Result
			failed := 0
			for _, path := range args {
				sc, err := scenario.Load(path)
				if err != nil {
					return err
				}
				res, err := scenario.Run(cmd.Context(), sc, base, logger)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if !res.Passed() {
					failed++
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				if err := printJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					renderResult(out, res)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d: %w", failed, len(results), errScenarioFailed)
			}
			return nil
		},
	}
	cmd.Flags().String("requester-balance", "1000", "requester starting USDC")
	cmd.Flags().String("provider-balance", "100", "provider starting USDC")
	cmd.Flags().String("gas", "0.05", "starting gas per party, in ETH")
	cmd.Flags().Int("max-rounds", 0, "default counter-offer limit (0 keeps the built-in default)")
	for _, name := range []string{"requester-balance", "provider-balance", "gas", "max-rounds"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func validateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Check scenarios against the schema without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type report struct {
				Path  string `json:"path"`
				Name  string `json:"name,omitempty"`
				Steps int    `json:"steps"`
				Error string `json:"error,omitempty"`
			}
			reports := make([]report, 0, len(args))
			bad := 0
			for _, path := range args {
				r := report{Path: path}
				sc, err := scenario.Load(path)
				if err != nil {
					r.Error = err.Error()
					bad++
				} else {
					r.Name = sc.Name
					r.Steps = len(sc.Steps)
				}
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if r.Error != "" {
						fmt.Fprintf(out, "FAIL %s\n     %s\n", r.Path, r.Error)
						continue
					}
					fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", r.Path, r.Name, r.Steps)
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d scenario(s) invalid", bad, len(args))
			}
			return nil
		},
	}
}

func timelineCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <scenario.yaml>",
		Short: "Replay a scenario and print the resulting timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseConfig(v)
			if err != nil {
				return err
			}
			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), v.GetString("log-level"), "text")
			res, err := scenario.Run(cmd.Context(), sc, base, logger)
			if err != nil {
				return err
			}

			events := res.Final.Events()
			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				return printJSON(out, events)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.SetTitle(sc.Name)
			tw.AppendHeader(table.Row{"#", "Actor", "Event", "Transition", "Details"})
			for _, e := range events {
				transition := ""
				if e.IsTransition() {
					transition = fmt.Sprintf("%s -> %s", e.FromState, e.ToState)
				}
				tw.AppendRow(table.Row{e.Seq, e.Actor.Title(), e.Title, transition, e.Description})
			}
			tw.SetColumnConfigs([]table.ColumnConfig{{Number: 5, WidthMax: 60}})
			tw.Render()
			return nil
		},
	}
}

// baseConfig turns flags (or AGENTBATTLE_* variables) into starting
// conditions.
func baseConfig(v *viper.Viper) (battle.Config, error) {
	cfg := battle.DefaultConfig()
	var err error
	if s := v.GetString("requester-balance"); s != "" {
		if cfg.RequesterStable, err = usdc.ParseUnits(s, usdc.Decimals); err != nil {
			return cfg, fmt.Errorf("requester-balance: %w", err)
		}
	}
	if s := v.GetString("provider-balance"); s != "" {
		if cfg.ProviderStable, err = usdc.ParseUnits(s, usdc.Decimals); err != nil {
			return cfg, fmt.Errorf("provider-balance: %w", err)
		}
	}
	if s := v.GetString("gas"); s != "" {
		if cfg.Gas, err = usdc.ParseUnits(s, usdc.GasDecimals); err != nil {
			return cfg, fmt.Errorf("gas: %w", err)
		}
	}
	if n := v.GetInt("max-rounds"); n > 0 {
		cfg.DefaultMaxRounds = n
	}
	return cfg, nil
}

func renderResult(out io.Writer, res *scenario.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle(res.Name)
	tw.AppendHeader(table.Row{"#", "Intent", "Actor", "Result", "State", "Requester", "Provider", "Escrow"})
	for _, s := range res.Steps {
		result := "ok"
		if !s.Accepted {
			result = "rejected"
		}
		if len(s.Failures) > 0 {
			result += " FAIL"
		}
		tw.AppendRow(table.Row{s.Index + 1, s.Intent, s.Actor, result, s.State, s.RequesterStable, s.ProviderStable, s.Escrow})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	tw.Render()

	if failures := res.Failures(); len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintf(out, "  FAIL %s\n", f)
		}
	} else {
		fmt.Fprintf(out, "  PASS %d steps\n", len(res.Steps))
	}
	fmt.Fprintln(out)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
