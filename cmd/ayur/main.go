package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ayurchain/ayurchain/pkg/client"
	"github.com/ayurchain/ayurchain/pkg/code"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	outFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ayur",
	Short: "AyurChain CLI",
	Long: `ayur is the command-line interface for an AyurChain registry.

It registers herb batches, records custody events, creates products and
verifies product codes against the custody ledger.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ayur")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("ayur")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ayur/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "AyurChain registry URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(productCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client from the config file, env and flags.
// A token takes precedence; otherwise actor_id/actor_role name the writer.
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if tok := viper.GetString("token"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	} else if id := viper.GetString("actor_id"); id != "" {
		opts = append(opts, client.WithActor(id, viper.GetString("actor_role")))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── verify ───────────────────────────────────────────────────────────────────

// verifyRow holds the outcome of a single verification.
type verifyRow struct {
	code   string
	report *client.Report
	err    error
}

var verifyCmd = &cobra.Command{
	Use:   "verify <code|url> [code|url] ...",
	Short: "Verify one or more product or batch codes",
	Long: `verify checks the custody chains behind each code and prints the verdict.

A code may be given bare or as the scanned QR URL:

  ayur verify AYR-PROD-2024-000815
  ayur verify https://verify.example.com/p/AYR-PROD-2024-000815

Multiple codes are verified concurrently and displayed as a table. The
command exits non-zero when any code is not verified.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	for _, raw := range args {
		if _, err := code.Parse(raw); err != nil {
			return err
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resultsCh := make(chan verifyRow, len(args))
	for _, raw := range args {
		go func() {
			r, err := c.Verify(ctx, raw)
			resultsCh <- verifyRow{code: raw, report: r, err: err}
		}()
	}

	byCode := make(map[string]verifyRow, len(args))
	for range args {
		r := <-resultsCh
		byCode[r.code] = r
	}
	ordered := make([]verifyRow, len(args))
	for i, raw := range args {
		ordered[i] = byCode[raw]
	}

	if outFormat == "json" {
		if err := printVerifyJSON(ordered); err != nil {
			return err
		}
	} else if err := printVerifyText(ordered); err != nil {
		return err
	}

	for _, r := range ordered {
		if r.err != nil || !r.report.Verified() {
			return errors.New("one or more codes did not verify")
		}
	}
	return nil
}

func printVerifyJSON(rows []verifyRow) error {
	type jsonRow struct {
		Code   string         `json:"code"`
		Report *client.Report `json:"report,omitempty"`
		Error  string         `json:"error,omitempty"`
	}
	out := make([]jsonRow, len(rows))
	for i, r := range rows {
		out[i] = jsonRow{Code: r.code, Report: r.report}
		if r.err != nil {
			out[i].Error = r.err.Error()
		}
	}
	if len(out) == 1 {
		return printJSON(out[0])
	}
	return printJSON(out)
}

func printVerifyText(rows []verifyRow) error {
	if len(rows) == 1 {
		r := rows[0]
		if r.err != nil {
			return fmt.Errorf("verify %q: %w", r.code, r.err)
		}
		fmt.Printf("Code:    %s\n", r.report.Code)
		fmt.Printf("Status:  %s\n", r.report.Status)
		fmt.Printf("Message: %s\n", r.report.Message)
		if r.report.InvalidChain != "" {
			fmt.Printf("Broken:  %s\n", r.report.InvalidChain)
		}
		for _, ch := range r.report.Chains {
			fmt.Printf("  %-24s %-8s %d events  %s\n", ch.ChainKey, ch.Kind, ch.Events, strings.Join(ch.Stages, " → "))
			if len(ch.Missing) > 0 {
				fmt.Printf("  %-24s missing: %s\n", "", strings.Join(ch.Missing, ", "))
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tSTATUS\tCHAINS\tERROR")
	for _, r := range rows {
		if r.err != nil {
			fmt.Fprintf(w, "%s\t\t\t%s\n", r.code, r.err.Error())
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t\n", r.report.Code, r.report.Status, len(r.report.Chains))
	}
	return w.Flush()
}

// ── batch ────────────────────────────────────────────────────────────────────

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Register and inspect herb batches",
}

var (
	batchHerb    string
	batchQty     float64
	batchHarvest string
	batchFarmer  string
	batchLoc     string
	batchGPS     string
	batchGrade   string
	batchNotes   string
	listLimit    int
	listOffset   int
)

var batchRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a harvested batch and commit its Origin event",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RegisterBatch(context.Background(), client.RegisterBatchRequest{
			Herb:         batchHerb,
			QuantityKg:   batchQty,
			HarvestDate:  batchHarvest,
			FarmerName:   batchFarmer,
			Location:     batchLoc,
			GPS:          batchGPS,
			QualityGrade: batchGrade,
			Notes:        batchNotes,
		})
		if err != nil {
			return fmt.Errorf("register batch: %w", err)
		}
		if outFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("✓ Batch registered\n\n")
		fmt.Printf("  Batch:  %s\n", res.Batch.BatchID)
		fmt.Printf("  Herb:   %s (%.1f kg, grade %s)\n", res.Batch.Herb, res.Batch.QuantityKg, res.Batch.QualityGrade)
		fmt.Printf("  Origin: %s\n\n", res.Origin.Digest)
		fmt.Printf("Next: ayur advance %s --stage Transport --location <place>\n", res.Batch.BatchID)
		return nil
	},
}

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch and its custody chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		view, err := c.GetBatch(context.Background(), args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(view)
		}
		b := view.Batch
		fmt.Printf("Batch:    %s\n", b.BatchID)
		fmt.Printf("Herb:     %s\n", b.Herb)
		fmt.Printf("Quantity: %.1f kg\n", b.QuantityKg)
		fmt.Printf("Harvest:  %s\n", b.HarvestDate)
		fmt.Printf("Farmer:   %s (%s)\n", b.FarmerName, b.FarmerID)
		fmt.Printf("Grade:    %s\n\n", b.QualityGrade)
		return printChain(view.Chain)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		batches, err := c.ListBatches(context.Background(), listLimit, listOffset)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(batches)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tHERB\tKG\tGRADE\tFARMER\tHARVEST")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
				b.BatchID, b.Herb, b.QuantityKg, b.QualityGrade, b.FarmerName, b.HarvestDate)
		}
		return w.Flush()
	},
}

func init() {
	f := batchRegisterCmd.Flags()
	f.StringVar(&batchHerb, "herb", "", "Herb name (e.g. Turmeric)")
	f.Float64Var(&batchQty, "quantity", 0, "Quantity in kilograms")
	f.StringVar(&batchHarvest, "harvest-date", time.Now().Format("2006-01-02"), "Harvest date (YYYY-MM-DD)")
	f.StringVar(&batchFarmer, "farmer", "", "Farmer name")
	f.StringVar(&batchLoc, "location", "", "Harvest location")
	f.StringVar(&batchGPS, "gps", "", "GPS coordinates")
	f.StringVar(&batchGrade, "grade", "A", "Quality grade")
	f.StringVar(&batchNotes, "notes", "", "Free-form notes")
	_ = batchRegisterCmd.MarkFlagRequired("herb")
	_ = batchRegisterCmd.MarkFlagRequired("quantity")
	_ = batchRegisterCmd.MarkFlagRequired("location")
	_ = batchRegisterCmd.MarkFlagRequired("farmer")

	batchListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows")
	batchListCmd.Flags().IntVar(&listOffset, "offset", 0, "Rows to skip")

	batchCmd.AddCommand(batchRegisterCmd, batchGetCmd, batchListCmd)
}

// ── advance ──────────────────────────────────────────────────────────────────

var (
	advStage    string
	advLocation string
	advGPS      string
	advDetail   string
	advStatus   string
	advParent   string
)

var advanceCmd = &cobra.Command{
	Use:   "advance <batch-or-product-id>",
	Short: "Record the next custody stage of a batch or product",
	Long: `advance appends a custody event. Batches move through Transport and
Processing; products record Retail:

  ayur advance AYR-2024-000001 --stage Transport --location Kochi
  ayur advance AYR-PROD-2024-000001 --stage Retail --location "Mumbai store"

Pass --expected-parent with the head digest you last read to fail instead
of retrying when another writer moved the chain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.AdvanceStage(context.Background(), args[0], client.AdvanceStageRequest{
			Stage:          advStage,
			Location:       advLocation,
			GPS:            advGPS,
			Detail:         advDetail,
			Status:         advStatus,
			ExpectedParent: advParent,
		})
		if err != nil {
			return fmt.Errorf("advance %s: %w", args[0], err)
		}
		if outFormat == "json" {
			return printJSON(ev)
		}
		fmt.Printf("✓ %s recorded on %s (seq %d)\n", ev.Stage, ev.ChainKey, ev.Seq)
		fmt.Printf("  Event:  %s\n", ev.EventID)
		fmt.Printf("  Digest: %s\n", ev.Digest)
		return nil
	},
}

func init() {
	f := advanceCmd.Flags()
	f.StringVar(&advStage, "stage", "", "Stage: Transport, Processing or Retail")
	f.StringVar(&advLocation, "location", "", "Where the event happened")
	f.StringVar(&advGPS, "gps", "", "GPS coordinates")
	f.StringVar(&advDetail, "detail", "", "Free-form event detail")
	f.StringVar(&advStatus, "status", "", "Event status: Pending, Confirmed or Failed")
	f.StringVar(&advParent, "expected-parent", "", "Digest the caller expects at the chain head")
	_ = advanceCmd.MarkFlagRequired("stage")
	_ = advanceCmd.MarkFlagRequired("location")
}

// ── product ──────────────────────────────────────────────────────────────────

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Create and inspect products",
}

var (
	prodName     string
	prodMaker    string
	prodMadeOn   string
	prodExpiry   string
	prodBatches  []string
	prodCerts    []string
	prodLocation string
)

var productCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a product from processed batches",
	Long: `create records a Manufacturing event for a new product. Each --batch
takes a batch id and its share of the product in percent:

  ayur product create --name "Premium Turmeric Capsules" \
    --batch AYR-2024-000001:70 --batch AYR-2024-000002:30 \
    --expiry 2026-12-31 --location "Pune plant"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := parseComposition(prodBatches)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CreateProduct(context.Background(), client.CreateProductRequest{
			Name:            prodName,
			Manufacturer:    prodMaker,
			ManufactureDate: prodMadeOn,
			ExpiryDate:      prodExpiry,
			Composition:     comp,
			Certifications:  prodCerts,
			Location:        prodLocation,
		})
		if err != nil {
			return fmt.Errorf("create product: %w", err)
		}
		if outFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("✓ Product created\n\n")
		fmt.Printf("  Product: %s\n", res.Product.ProductID)
		fmt.Printf("  Name:    %s\n\n", res.Product.Name)
		fmt.Printf("Next: ayur verify %s\n", res.Product.ProductID)
		return nil
	},
}

// parseComposition turns "BATCH:PCT" pairs into ingredients.
func parseComposition(pairs []string) ([]client.Ingredient, error) {
	out := make([]client.Ingredient, 0, len(pairs))
	for _, p := range pairs {
		id, pct, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --batch %q: want BATCH:PERCENT", p)
		}
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid percentage in --batch %q: %w", p, err)
		}
		out = append(out, client.Ingredient{BatchID: strings.TrimSpace(id), Percentage: v})
	}
	return out, nil
}

var productGetCmd = &cobra.Command{
	Use:   "get <product-id>",
	Short: "Show a product and its custody chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		view, err := c.GetProduct(context.Background(), args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(view)
		}
		p := view.Product
		fmt.Printf("Product:      %s\n", p.ProductID)
		fmt.Printf("Name:         %s\n", p.Name)
		fmt.Printf("Manufacturer: %s\n", p.Manufacturer)
		fmt.Printf("Made / Exp:   %s / %s\n", p.ManufactureDate, p.ExpiryDate)
		for _, ing := range p.Composition {
			fmt.Printf("  %-20s %5.1f%%\n", ing.BatchID, ing.Percentage)
		}
		fmt.Println()
		return printChain(view.Chain)
	},
}

func init() {
	f := productCreateCmd.Flags()
	f.StringVar(&prodName, "name", "", "Product name")
	f.StringVar(&prodMaker, "manufacturer", "", "Manufacturer name")
	f.StringVar(&prodMadeOn, "manufacture-date", time.Now().Format("2006-01-02"), "Manufacture date (YYYY-MM-DD)")
	f.StringVar(&prodExpiry, "expiry", "", "Expiry date (YYYY-MM-DD)")
	f.StringArrayVar(&prodBatches, "batch", nil, "Ingredient as BATCH:PERCENT (repeatable)")
	f.StringSliceVar(&prodCerts, "cert", nil, "Certification (repeatable)")
	f.StringVar(&prodLocation, "location", "", "Manufacturing location")
	_ = productCreateCmd.MarkFlagRequired("name")
	_ = productCreateCmd.MarkFlagRequired("manufacturer")
	_ = productCreateCmd.MarkFlagRequired("expiry")
	_ = productCreateCmd.MarkFlagRequired("batch")

	productCmd.AddCommand(productCreateCmd, productGetCmd)
}

// ── ledger views ─────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Stats(context.Background())
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(st)
		}
		fmt.Printf("Batches:        %d\n", st.TotalBatches)
		fmt.Printf("Products:       %d\n", st.TotalProducts)
		fmt.Printf("Active farmers: %d\n", st.ActiveFarmers)
		fmt.Printf("Manufacturers:  %d\n", st.Manufacturers)
		fmt.Printf("Chains:         %d\n", st.Chains)
		fmt.Printf("Events:         %d\n", st.Events)
		for _, s := range []string{"Origin", "Transport", "Processing", "Manufacturing", "Retail"} {
			fmt.Printf("  %-14s %d\n", s, st.EventsByStage[s])
		}
		return nil
	},
}

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the latest custody events across all chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.Recent(context.Background(), recentLimit)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(events)
		}
		return printChain(events)
	},
}

func init() {
	recentCmd.Flags().IntVar(&recentLimit, "limit", 20, "Maximum events")
}

func printChain(events []*client.Event) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tSEQ\tSTAGE\tSTATUS\tACTOR\tLOCATION\tTIME")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ChainKey, e.Seq, e.Stage, e.Status, e.ActorID, e.Location,
			e.Timestamp.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ayur CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ayur %s (AyurChain)\n", version)
	},
}
