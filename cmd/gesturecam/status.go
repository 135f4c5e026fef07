package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-gesturecam/internal/httpc"
	"github.com/teslashibe/go-gesturecam/pkg/web"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running gesturecam",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status web.StatusResponse
			url := "http://" + c.cfg.Web.Addr + "/api/status"
			if err := httpc.GetJSON(cmd.Context(), url, &status); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			printStatus(os.Stdout, status)
			return nil
		},
	}

	f := cmd.Flags()
	f.String("addr", "127.0.0.1:8080", "display address of the running instance")
	f.BoolVar(&asJSON, "json", false, "print raw JSON")
	bindFlag(f, "addr", "web.addr")
	return cmd
}

func printStatus(out io.Writer, s web.StatusResponse) {
	p := s.Pipeline
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "camera\tplaying=%t\tframes=%d\tread_errors=%d\n",
		p.Source.Playing, p.Source.FramesRead, p.Source.ReadErrors)
	fmt.Fprintf(w, "sampler\tarmed=%t\tfired=%d\tskipped=%d\tin_flight=%d\n",
		p.Sampler.Armed, p.Sampler.Fired, p.Sampler.Skipped, p.Sampler.InFlight)
	fmt.Fprintf(w, "channel\tstate=%s\tsent=%d\tdropped=%d\treconnects=%d\n",
		p.Channel.State, p.Channel.Sent, p.Channel.DroppedState+p.Channel.DroppedFull, p.Channel.Reconnects)
	fmt.Fprintf(w, "results\treceived=%d\tmalformed=%d\n",
		p.Results.Results, p.Channel.Malformed)
	for _, h := range s.Hubs {
		fmt.Fprintf(w, "display/%s\tclients=%d\tbroadcasts=%d\tdropped=%d\n",
			h.Name, h.Clients, h.Broadcasts, h.Dropped)
	}
	w.Flush()
}
