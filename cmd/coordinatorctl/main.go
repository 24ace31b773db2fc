// Command coordinatorctl is the operator control plane for coordinatord,
// generalizing cmd/lncli (cmd/lncli/main.go,
// cmd/lncli/commands.go) from a gRPC-backed Lightning Network daemon CLI
// into an HTTP-backed client of coordinatord's operator admin API.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/photonx/coordinator/internal/codec"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[coordinatorctl] %v\n", err)
	os.Exit(1)
}

func adminAddr(ctx *cli.Context) string {
	return ctx.GlobalString("adminaddr")
}

var keygenCommand = cli.Command{
	Name:  "keygen",
	Usage: "generate a local secp256k1 keypair for test/offline signing",
	Action: func(ctx *cli.Context) error {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return err
		}
		addr := codec.AddressFromPubkey(priv.PubKey())

		fmt.Printf("private_key: %s\n", hex.EncodeToString(priv.Serialize()))
		fmt.Printf("address:     %s\n", addr)
		return nil
	},
}

var stateCommand = cli.Command{
	Name:      "state",
	Usage:     "fetch a channel's current state",
	ArgsUsage: "channel_id",
	Action:    getState,
}

func getState(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return fmt.Errorf("channel_id argument is required")
	}

	url := fmt.Sprintf("http://%s/v1/channels/state?channel_id=%s", adminAddr(ctx), id)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var state struct {
		ChannelID string `json:"channel_id"`
		Status    string `json:"status"`
		Nonce     uint64 `json:"nonce"`
		Trader    string `json:"trader"`
		LP        string `json:"lp"`
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAdminError(resp.Body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"channel_id", state.ChannelID},
		{"status", state.Status},
		{"nonce", state.Nonce},
		{"trader", state.Trader},
		{"lp", state.LP},
	})
	t.Render()
	return nil
}

var resolveDisputeCommand = cli.Command{
	Name:      "resolve-dispute",
	Usage:     "resolve a staged competing close for a channel",
	ArgsUsage: "channel_id",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "accept-staged",
			Usage: "accept the staged higher-nonce close instead of the one already submitted",
		},
	},
	Action: resolveDispute,
}

func resolveDispute(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return fmt.Errorf("channel_id argument is required")
	}

	body, err := json.Marshal(map[string]interface{}{
		"channel_id":    id,
		"accept_staged": ctx.Bool("accept-staged"),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/v1/channels/resolve-dispute", adminAddr(ctx))
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAdminError(resp.Body)
	}

	var state struct {
		ChannelID string `json:"channel_id"`
		Status    string `json:"status"`
		Nonce     uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return err
	}

	fmt.Printf("channel %s resolved: status=%s nonce=%d\n", state.ChannelID, state.Status, state.Nonce)
	return nil
}

func decodeAdminError(body interface{ Read([]byte) (int, error) }) error {
	var e struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		ChannelID string `json:"channel_id"`
		Nonce     uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		return fmt.Errorf("admin api returned a non-JSON error")
	}
	return fmt.Errorf("%s: %s (channel=%s nonce=%d)", e.Kind, e.Message, e.ChannelID, e.Nonce)
}

func main() {
	app := cli.NewApp()
	app.Name = "coordinatorctl"
	app.Usage = "operator control plane for coordinatord"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "adminaddr",
			Value: "localhost:9091",
			Usage: "host:port of the coordinatord admin API",
		},
	}
	app.Commands = []cli.Command{
		keygenCommand,
		stateCommand,
		resolveDisputeCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
