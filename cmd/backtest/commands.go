package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"mybacktest/internal/config"
	"mybacktest/internal/domain"
	"mybacktest/internal/engine"
	"mybacktest/internal/gather"
	"mybacktest/internal/report"
	"mybacktest/internal/store"
	"mybacktest/internal/strategy/builtins"
)

var instrumentFlag = &cli.StringSliceFlag{
	Name:    "instrument",
	Aliases: []string{"i"},
	Usage:   "instrument to include; repeat or comma-separate for several",
}

var periodFlag = &cli.StringSliceFlag{
	Name:    "period",
	Aliases: []string{"p"},
	Usage:   "bar period to include, e.g. 15m, 1h, 1d",
}

var rangeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "start",
		Usage: "first bar time (RFC 3339 or YYYY-MM-DD)",
	},
	&cli.StringFlag{
		Name:  "end",
		Usage: "last bar time (RFC 3339 or YYYY-MM-DD)",
	},
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run a backtest and print its report",
	Flags: append([]cli.Flag{
		instrumentFlag,
		periodFlag,
		&cli.StringFlag{Name: "price-period", Usage: "period whose close executes signals"},
		&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "registered strategy name"},
		&cli.StringSliceFlag{Name: "param", Usage: "strategy parameter as key=value"},
		&cli.StringFlag{Name: "initial-balance", Usage: "starting balance"},
		&cli.StringFlag{Name: "weighting", Usage: "return weighting: none or size"},
		&cli.Float64Flag{Name: "stop-offset", Usage: "trailing stop distance as a fraction of the extreme"},
		&cli.Float64Flag{Name: "max-size", Usage: "largest position size a signal may request"},
		&cli.BoolFlag{Name: "close-at-end", Usage: "force-close open positions after the last bar"},
		&cli.BoolFlag{Name: "no-save", Usage: "do not record the run in the run store"},
		&cli.BoolFlag{Name: "export-trades", Usage: "write the trade log as Parquet under the data directory"},
		&cli.StringFlag{Name: "json", Usage: "write the report as JSON to this file (- for stdout)"},
	}, rangeFlags...),
	Action: runBacktest,
}

func runBacktest(c *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	b := &cfg.Backtest
	if v := splitFlag(c.StringSlice("instrument")); len(v) > 0 {
		b.Instruments = v
	}
	if v := splitFlag(c.StringSlice("period")); len(v) > 0 {
		b.Periods = v
	}
	setString(c, "price-period", &b.PricePeriod)
	setString(c, "strategy", &b.Strategy)
	setString(c, "start", &b.Start)
	setString(c, "end", &b.End)
	setString(c, "initial-balance", &b.InitialBalance)
	setString(c, "weighting", &b.Weighting)
	if c.IsSet("stop-offset") {
		b.StopOffset = c.Float64("stop-offset")
	}
	if c.IsSet("max-size") {
		b.MaxSize = c.Float64("max-size")
	}
	if c.IsSet("close-at-end") {
		b.CloseAtEnd = c.Bool("close-at-end")
	}
	if c.Bool("no-save") {
		b.SaveRun = false
	}
	if c.Bool("export-trades") {
		b.ExportTradeLog = true
	}
	if c.IsSet("param") {
		params, err := parseParams(c.StringSlice("param"))
		if err != nil {
			return err
		}
		if b.Params == nil {
			b.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			b.Params[k] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	rc, err := cfg.RunConfig()
	if err != nil {
		return err
	}

	loader, closeLoader, err := openBarStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLoader()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithRiskManager(engine.NewRiskManager(b.MaxSize)),
	}
	if b.SaveRun {
		runs, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
		defer runs.Close()
		opts = append(opts, engine.WithRunStore(runs))
	}
	if b.ExportTradeLog {
		opts = append(opts, engine.WithTradeLogWriter(store.NewParquetStore(cfg.Storage.DataDir)))
	}

	res, err := engine.NewRunner(loader, builtins.NewRegistry(), opts...).Run(c.Context, rc)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "run %s: %d signals, %d trade events, %d skipped\n",
		res.RunID, len(res.Signals), len(res.Trades), res.Skipped)
	if res.TradeLogPath != "" {
		fmt.Fprintf(c.App.Writer, "trade log: %s\n", res.TradeLogPath)
	}
	if err := report.WriteSummary(c.App.Writer, res.Report); err != nil {
		return err
	}

	switch path := c.String("json"); path {
	case "":
	case "-":
		return report.WriteJSON(c.App.Writer, res.Report)
	default:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := report.WriteJSON(f, res.Report); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// fetch
// ---------------------------------------------------------------------------

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "download historical bars from Alpaca into the Parquet store",
	ArgsUsage: " ",
	Flags:     append([]cli.Flag{instrumentFlag, periodFlag}, rangeFlags...),
	Action: func(c *cli.Context) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		job, err := jobFromFlags(c, cfg)
		if err != nil {
			return err
		}
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return errors.New("alpaca credentials are not configured (APCA_API_KEY_ID, APCA_API_SECRET_KEY)")
		}

		g := gather.NewAlpacaGatherer(gather.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Gather.RateLimitPerMin,
			Burst:           cfg.Gather.Burst,
			MaxRetries:      cfg.Gather.MaxRetries,
		}, store.NewParquetStore(cfg.Storage.DataDir), job, logger)

		logger.Info("starting fetch", "instruments", len(job.Instruments), "periods", len(job.Periods))
		return g.Run(c.Context)
	},
}

func jobFromFlags(c *cli.Context, cfg *config.Config) (gather.Job, error) {
	insts := splitFlag(c.StringSlice("instrument"))
	if len(insts) == 0 {
		insts = cfg.Backtest.Instruments
	}
	periods := splitFlag(c.StringSlice("period"))
	if len(periods) == 0 {
		periods = cfg.Backtest.Periods
	}
	start, end := cfg.Backtest.Start, cfg.Backtest.End
	setString(c, "start", &start)
	setString(c, "end", &end)

	var (
		job gather.Job
		err error
	)
	for _, s := range insts {
		job.Instruments = append(job.Instruments, domain.Instrument(s))
	}
	for _, s := range periods {
		job.Periods = append(job.Periods, domain.Period(s))
	}
	if job.Range.Start, err = config.ParseTime(start); err != nil {
		return gather.Job{}, err
	}
	if job.Range.End, err = config.ParseEnd(end); err != nil {
		return gather.Job{}, err
	}
	return job, nil
}

// ---------------------------------------------------------------------------
// import
// ---------------------------------------------------------------------------

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "copy CSV series into the Parquet store or ClickHouse",
	Flags: []cli.Flag{
		instrumentFlag,
		periodFlag,
		&cli.StringFlag{Name: "csv-dir", Usage: "directory holding <INSTRUMENT>_<period>.csv files"},
		&cli.StringFlag{Name: "to", Value: config.SourceParquet, Usage: "destination: parquet or clickhouse"},
	},
	Action: func(c *cli.Context) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.CSVDir()
		setString(c, "csv-dir", &dir)
		src := store.NewCSVStore(dir)

		var dst store.BarStore
		switch to := c.String("to"); to {
		case config.SourceParquet:
			dst = store.NewParquetStore(cfg.Storage.DataDir)
		case config.SourceClickHouse:
			ch, err := openClickHouse(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer ch.Close()
			if err := ch.EnsureSchema(c.Context); err != nil {
				return err
			}
			dst = ch
		default:
			return fmt.Errorf("unknown import destination %q", to)
		}

		job, err := jobFromFlags(c, cfg)
		if err != nil {
			return err
		}
		for _, inst := range job.Instruments {
			for _, p := range job.Periods {
				bars, err := src.LoadSeries(c.Context, inst, p)
				if err != nil {
					return err
				}
				if err := dst.WriteBars(c.Context, bars); err != nil {
					return fmt.Errorf("importing %s/%s: %w", inst, p, err)
				}
				logger.Info("series imported", "instrument", inst, "period", p, "bars", len(bars))
			}
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// strategies, runs, version
// ---------------------------------------------------------------------------

var strategiesCommand = &cli.Command{
	Name:  "strategies",
	Usage: "list registered strategies",
	Action: func(c *cli.Context) error {
		for _, name := range builtins.NewRegistry().List() {
			fmt.Fprintln(c.App.Writer, name)
		}
		return nil
	},
}

var runsCommand = &cli.Command{
	Name:  "runs",
	Usage: "inspect recorded runs",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list recent runs, newest first",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of runs; 0 for all"},
			},
			Action: listRuns,
		},
		{
			Name:      "show",
			Usage:     "show one run and its trade log",
			ArgsUsage: "<run-id>",
			Action:    showRun,
		},
	},
}

func openRunStore() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Storage.SQLitePath)
}

func listRuns(c *cli.Context) error {
	runs, err := openRunStore()
	if err != nil {
		return err
	}
	defer runs.Close()

	recs, err := runs.ListRuns(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTRATEGY\tINSTRUMENTS\tTRADES\tRETURN")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Strategy,
			strings.Join(r.Instruments, ","), r.Trades, r.TotalReturn)
	}
	return tw.Flush()
}

func showRun(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.ShowSubcommandHelp(c)
	}
	runs, err := openRunStore()
	if err != nil {
		return err
	}
	defer runs.Close()

	rec, err := runs.GetRun(c.Context, id)
	if err != nil {
		return err
	}
	events, err := runs.ListTradeEvents(c.Context, id)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "run %s (%s) on %s [%s]\n", rec.ID, rec.Strategy,
		strings.Join(rec.Instruments, ","), strings.Join(rec.Periods, ","))
	fmt.Fprintf(w, "balance %s -> %s, return %s, %d trades\n",
		rec.InitialBalance, rec.FinalBalance, rec.TotalReturn, rec.Trades)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTRADE\tTIME\tINSTRUMENT\tKIND\tPRICE\tSIZE\tSTOP\tREASON")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%g\t%g\t%g\t%s\n",
			ev.Seq, ev.TradeID, ev.Timestamp.Format("2006-01-02 15:04"), ev.Instrument,
			ev.Kind, ev.Price, ev.Size, ev.StopLoss, ev.Reason)
	}
	return tw.Flush()
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the version",
	Action: func(c *cli.Context) error {
		fmt.Fprintln(c.App.Writer, version)
		return nil
	},
}

// splitFlag flattens repeated and comma-separated flag values.
func splitFlag(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}
