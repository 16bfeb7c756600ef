// Command rtp prints the theoretical return-to-player of every mines board
// configuration: for each hazard count and reveal count, the probability of
// surviving the reveals times the (capped) multiplier.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/payout"
)

func main() {
	edgeFlag := flag.String("edge", "1", "house edge percent")
	maxFlag := flag.String("max-multiplier", "10000", "multiplier cap, 0 disables")
	hazards := flag.Int("hazards", 0, "only print this hazard count")
	flag.Parse()

	edge, err := decimal.NewFromString(*edgeFlag)
	if err != nil {
		slog.Error("invalid -edge", "error", err)
		os.Exit(2)
	}
	maxMult, err := decimal.NewFromString(*maxFlag)
	if err != nil {
		slog.Error("invalid -max-multiplier", "error", err)
		os.Exit(2)
	}

	calc := payout.NewCalculator(maxMult, 8)
	if err := run(os.Stdout, calc, edge, *hazards); err != nil {
		slog.Error("rtp", "error", err)
		os.Exit(1)
	}
}

// run writes one row per (hazards, revealed) cell. Rows whose RTP differs
// from 1-edge/100 are marked; only capped cells may differ.
func run(out io.Writer, calc payout.Calculator, edge decimal.Decimal, only int) error {
	if err := payout.ValidateEdge(edge); err != nil {
		return err
	}
	target := decimal.NewFromInt(1).Sub(edge.Div(decimal.NewFromInt(100)))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "hazards\trevealed\tmultiplier\tsurvival\trtp\tnote")
	var deviations int
	for h := 1; h < calc.GridSize; h++ {
		if only != 0 && h != only {
			continue
		}
		for k := 1; k <= calc.SafeTiles(h); k++ {
			m, err := calc.Multiplier(h, k, edge)
			if err != nil {
				return fmt.Errorf("multiplier h=%d k=%d: %w", h, k, err)
			}
			p, err := calc.SurvivalProbability(h, k)
			if err != nil {
				return err
			}
			rtp, capped, err := calc.RTP(h, k, edge)
			if err != nil {
				return err
			}
			note := ""
			switch {
			case capped:
				note = "capped"
			case !rtp.Equal(target.Round(12)):
				note = "DEVIATION"
				deviations++
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", h, k, m.Round(8), p.Round(12), rtp, note)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if deviations > 0 {
		return fmt.Errorf("%d uncapped cells deviate from target rtp %s", deviations, target)
	}
	return nil
}
