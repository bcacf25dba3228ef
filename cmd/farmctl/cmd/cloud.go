package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/cloud"
)

var (
	deployRegion      string
	deployIdleMinutes int
	deployKeepAlive   bool
)

var cloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Rent and release cloud GPU workers",
}

var cloudPlansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List rentable instance plans",
	RunE:  runCloudPlans,
}

var cloudDeployCmd = &cobra.Command{
	Use:   "deploy <plan>",
	Short: "Rent an instance and bootstrap it as a worker",
	Long: `Rent an instance of the given plan and bootstrap it as a worker.
The command returns as soon as the deploy is accepted; follow progress
with "farmctl watch --topic cloud".`,
	Args: cobra.ExactArgs(1),
	RunE: runCloudDeploy,
}

var cloudTeardownCmd = &cobra.Command{
	Use:   "teardown <worker-id>",
	Short: "Terminate a cloud worker's instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("POST", "/cloud/workers/"+args[0]+"/teardown", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Teardown started for worker %s\n", args[0])
		return nil
	},
}

var cloudSpendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Show accrued cloud spend for the current month",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]float64
		if err := apiCall("GET", "/cloud/spend", nil, &out); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(out)
		}
		fmt.Printf("Monthly spend: $%.2f\n", out["monthly_spend_usd"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cloudCmd)
	cloudCmd.AddCommand(cloudPlansCmd)
	cloudCmd.AddCommand(cloudDeployCmd)
	cloudCmd.AddCommand(cloudTeardownCmd)
	cloudCmd.AddCommand(cloudSpendCmd)

	cloudDeployCmd.Flags().StringVar(&deployRegion, "region", "", "provider region")
	cloudDeployCmd.Flags().IntVar(&deployIdleMinutes, "idle-minutes", 0, "tear down after this many idle minutes (0 = server default)")
	cloudDeployCmd.Flags().BoolVar(&deployKeepAlive, "keep-alive", false, "disable automatic idle teardown")
}

func runCloudPlans(cmd *cobra.Command, args []string) error {
	var plans []cloud.Plan
	if err := apiCall("GET", "/cloud/plans", nil, &plans); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(plans)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Plan", "GPU", "Cores", "$/hr", "HW Accels")
	for _, p := range plans {
		table.Append(
			p.Name,
			p.GPUModel,
			strconv.Itoa(p.CPUCores),
			fmt.Sprintf("%.3f", p.HourlyUSD),
			strings.Join(p.HWAccels, ","),
		)
	}
	table.Render()
	return nil
}

func runCloudDeploy(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"plan":   args[0],
		"region": deployRegion,
	}
	if deployIdleMinutes > 0 {
		req["idle_minutes"] = deployIdleMinutes
	}
	if deployKeepAlive {
		req["auto_teardown"] = false
	}
	var out map[string]string
	if err := apiCall("POST", "/cloud/deploy", req, &out); err != nil {
		return err
	}
	fmt.Printf("Deploying %s", args[0])
	if deployRegion != "" {
		fmt.Printf(" in %s", deployRegion)
	}
	fmt.Println("; follow progress with: farmctl watch --topic cloud")
	return nil
}
