package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

var watchTopics []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events from the daemon",
	Long: `Stream live events from the daemon over the websocket event
endpoint. With no --topic the full firehose is printed; --topic takes
either a full topic like job.completed or a category like cloud.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchTopics, "topic", nil, "topic or category to subscribe to (repeatable)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	handler := func(ev models.Event) {
		if jsonOutput() {
			enc.Encode(ev)
			return
		}
		data := ""
		if len(ev.Data) > 0 {
			if raw, err := json.Marshal(ev.Data); err == nil {
				data = " " + string(raw)
			}
		}
		fmt.Printf("%s  %-24s%s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Topic, data)
	}

	log := logging.New("farmctl", logging.WARN, false)
	client := bus.NewClient(eventsURL(), watchTopics, handler, log)

	fmt.Fprintf(os.Stderr, "Watching %s (ctrl-c to stop)\n", eventsURL())
	err := client.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
