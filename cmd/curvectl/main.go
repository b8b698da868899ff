// Command curvectl prints bonding-curve prices, trade estimates and settlement
// splits for operators.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"belief-market/internal/curve"
	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
)

const usage = `usage: curvectl <grid|estimate|split> [flags]`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "grid":
		return grid(args[1:], out)
	case "estimate":
		return estimate(args[1:], out)
	case "split":
		return split(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func curveFlags(fs *flag.FlagSet) *curve.Params {
	p := curve.DefaultParams
	fs.Float64Var(&p.Lambda, "lambda", p.Lambda, "price scale λ")
	fs.Float64Var(&p.F, "f", p.F, "growth exponent F")
	fs.Float64Var(&p.Beta, "beta", p.Beta, "coupling β")
	return &p
}

// grid prints long/short prices and the market prediction over a supply grid.
func grid(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("grid", flag.ContinueOnError)
	fs.SetOutput(out)
	p := curveFlags(fs)
	short := fs.Float64("short", 100, "fixed SHORT supply (display tokens)")
	from := fs.Float64("from", 0, "first LONG supply")
	to := fs.Float64("to", 200, "last LONG supply")
	step := fs.Float64("step", 25, "LONG supply step")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if *step <= 0 || *to < *from || *from < 0 || *short < 0 {
		return errors.New("need 0 <= from <= to, step > 0, short >= 0")
	}

	ss := decimal.NewFromFloat(*short)
	table := tablewriter.NewWriter(out)
	table.Header("Long supply", "Short supply", "Price LONG", "Price SHORT", "Prediction")
	for sl := *from; sl <= *to+1e-9; sl += *step {
		l := decimal.NewFromFloat(sl)
		table.Append(
			l.StringFixed(2),
			ss.StringFixed(2),
			curve.Price(l, ss, model.SideLong, *p).StringFixed(6),
			curve.Price(ss, l, model.SideShort, *p).StringFixed(6),
			curve.MarketPrediction(l, ss, *p).StringFixed(4),
		)
	}
	return table.Render()
}

// estimate sizes one trade against given supplies.
func estimate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(out)
	p := curveFlags(fs)
	long := fs.String("long", "100", "LONG supply (display tokens)")
	short := fs.String("short", "100", "SHORT supply (display tokens)")
	side := fs.String("side", "LONG", "LONG or SHORT")
	dir := fs.String("dir", "BUY", "BUY (amount in USDC) or SELL (amount in tokens)")
	amount := fs.String("amount", "10", "trade amount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sl, err := decimal.NewFromString(*long)
	if err != nil {
		return fmt.Errorf("long: %w", err)
	}
	ss, err := decimal.NewFromString(*short)
	if err != nil {
		return fmt.Errorf("short: %w", err)
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	pool := &model.Pool{SupplyLong: fixedpoint.ToMicro(sl), SupplyShort: fixedpoint.ToMicro(ss)}
	s, d := model.Side(*side), model.TradeDirection(*dir)
	res, err := curve.NewEstimator(*p).EstimateTrade(pool, s, d, amt)
	if err != nil {
		return err
	}
	unit := "tokens"
	if d == model.DirectionSell {
		unit = "USDC"
	}
	table := tablewriter.NewWriter(out)
	table.Header("Side", "Direction", "Amount", "Result", "Unit", "Price before")
	table.Append(string(s), string(d), amt.String(), res.String(), unit, curve.PoolPrice(pool, s, *p).StringFixed(6))
	return table.Render()
}

// split shows how a vault divides between the sides for a ground-truth score.
func split(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	fs.SetOutput(out)
	vault := fs.String("vault", "100", "vault balance (display USDC)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := decimal.NewFromString(*vault)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	vaultMicro := fixedpoint.ToMicro(v)

	table := tablewriter.NewWriter(out)
	table.Header("Score", "Q32.32", "Reserve LONG", "Reserve SHORT")
	for _, score := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		q32, err := fixedpoint.ScoreToQ32(score)
		if err != nil {
			return err
		}
		micro, err := fixedpoint.ScoreToMicro(score)
		if err != nil {
			return err
		}
		long, err := fixedpoint.MulDiv(vaultMicro, micro, fixedpoint.MicroPerUnit)
		if err != nil {
			return err
		}
		table.Append(
			fmt.Sprintf("%.2f", score),
			fmt.Sprintf("%d", q32),
			fixedpoint.FromMicro(long).StringFixed(6),
			fixedpoint.FromMicro(vaultMicro-long).StringFixed(6),
		)
	}
	return table.Render()
}
