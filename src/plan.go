package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ryansname/dispatchctl/src/dispatch"
)

// priceFixture is the YAML input of the plan command. Prices are either
// listed in full or given as hourly values from Start.
type priceFixture struct {
	SoC    *float64              `yaml:"soc"`
	Now    time.Time             `yaml:"now"`
	Start  time.Time             `yaml:"start"`
	Values []float64             `yaml:"values"`
	Prices []dispatch.PricePoint `yaml:"prices"`
}

func loadPriceFixture(r io.Reader) (priceFixture, error) {
	var f priceFixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return priceFixture{}, fmt.Errorf("decoding price fixture: %w", err)
	}

	if len(f.Prices) == 0 {
		if f.Start.IsZero() || len(f.Values) == 0 {
			return priceFixture{}, errors.New("price fixture needs prices, or start and values")
		}
		for i, v := range f.Values {
			start := f.Start.Add(time.Duration(i) * time.Hour)
			f.Prices = append(f.Prices, dispatch.PricePoint{Start: start, End: start.Add(time.Hour), Value: v})
		}
	}

	if f.Now.IsZero() {
		f.Now = f.Prices[0].Start
	}
	return f, nil
}

// writePlan prints the schedule and its derived views
func writePlan(w io.Writer, sched dispatch.Schedule, now time.Time, soc *float64) {
	fmt.Fprintln(w, sched.MarkdownTable())

	fmt.Fprintf(w, "Status: %s\n", sched.Status(now, soc))
	for _, s := range sched.Summaries() {
		fmt.Fprintf(w, "Window %d: %s - %s, price %g..%g\n", s.Window,
			s.Start.Format("01-02 15:04"), s.End.Format("01-02 15:04"), s.MinPrice, s.MaxPrice)
	}
	for _, action := range []dispatch.Action{dispatch.ActionCharge, dispatch.ActionDischarge} {
		for _, p := range sched.Periods(action) {
			fmt.Fprintf(w, "%s: %s - %s (%dh)\n", action,
				p.Start.Format("01-02 15:04"), p.Stop.Format("01-02 15:04"), p.Hours)
		}
	}
}

func planCmd() *cobra.Command {
	var pricesPath string
	var soc float64
	var minProfit float64

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a schedule from a YAML price fixture and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}

			file, err := os.Open(pricesPath)
			if err != nil {
				return fmt.Errorf("opening prices: %w", err)
			}
			defer file.Close()

			fixture, err := loadPriceFixture(file)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("soc") || fixture.SoC == nil {
				fixture.SoC = &soc
			}
			if cmd.Flags().Changed("min-profit") {
				cfg.Battery.MinProfit = minProfit
			}

			sched, err := dispatch.Recompute(dispatch.Input{
				Prices: fixture.Prices,
				SoC:    fixture.SoC,
				Config: cfg.Battery,
				Now:    fixture.Now,
			})
			if err != nil {
				return fmt.Errorf("computing schedule: %w", err)
			}

			writePlan(cmd.OutOrStdout(), sched, fixture.Now, fixture.SoC)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pricesPath, "prices", "p", "", "YAML price fixture")
	cmd.Flags().Float64Var(&soc, "soc", 50, "starting state of charge, overrides the fixture")
	cmd.Flags().Float64Var(&minProfit, "min-profit", 0, "override battery.min_profit")
	_ = cmd.MarkFlagRequired("prices")

	return cmd
}
