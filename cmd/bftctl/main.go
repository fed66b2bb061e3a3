// Command bftctl is a thin diagnostic client for a running replica:
// submit a key/value write as a CLIENT_REQUEST over the peer websocket
// endpoint, or issue a read-only query against the HTTP query endpoint
// cmd/replica exposes alongside it (§4.A "read-only QUERY path bypasses
// consensus entirely", so it needs no round trip through the cluster).
// Grounded on transport.Link's frame codec for submit, and on a plain
// net/http client for query.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/wire"
)

// clientNodeID identifies this CLI's ephemeral signing identity to the
// cluster. Replica ids start at 1 (§ config ReplicaConfig.ID), so 0 is
// free for a client that is never counted toward quorum.
const clientNodeID = 0

var (
	wsTarget   string
	httpTarget string
	timeout    time.Duration
)

type record struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func main() {
	root := &cobra.Command{
		Use:   "bftctl",
		Short: "Submit a request to, or query, a running replica",
	}
	root.PersistentFlags().StringVar(&wsTarget, "ws", "ws://127.0.0.1:6116/ws", "replica peer websocket endpoint")
	root.PersistentFlags().StringVar(&httpTarget, "http", "http://127.0.0.1:6116", "replica HTTP endpoint (for query)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(submitCmd(), queryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a key/value write as a client request",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.Marshal(record{Key: key, Value: []byte(value)})
			if err != nil {
				return err
			}
			req := &wire.Request{
				Kind: wire.ClientRequest,
				Data: data,
				Hash: crypto.ContentHash(data),
			}
			if err := signAndSend(req); err != nil {
				return err
			}
			fmt.Println("submitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to write")
	cmd.Flags().StringVar(&value, "value", "", "value to write")
	cmd.MarkFlagRequired("key")
	return cmd
}

func queryCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Issue a read-only query, bypassing consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			u, err := url.Parse(httpTarget + "/query")
			if err != nil {
				return err
			}
			q := u.Query()
			q.Set("key", key)
			u.RawQuery = q.Encode()

			resp, err := client.Get(u.String())
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("query: %s: %s", resp.Status, string(body))
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to read")
	cmd.MarkFlagRequired("key")
	return cmd
}

// signAndSend announces this CLI's public key with a HEARTBEAT (the one
// kind MessageGate admits before any sender is known, § gate.go
// handleHeartbeat) and then signs and sends req over the same
// connection, so the receiving replica's verifier already has the key
// by the time it checks req's signature.
func signAndSend(req *wire.Request) error {
	signer, err := crypto.NewEd25519Signer(clientNodeID)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsTarget, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsTarget, err)
	}
	defer conn.Close()

	hb := &wire.Request{Kind: wire.Heartbeat, SenderID: clientNodeID, Data: signer.PublicKey()}
	if err := writeFrame(conn, hb); err != nil {
		return fmt.Errorf("announce key: %w", err)
	}

	req.SenderID = clientNodeID
	payload, err := req.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	req.DataSignature = sig

	return writeFrame(conn, req)
}

func writeFrame(conn *websocket.Conn, req *wire.Request) error {
	env, err := wire.NewEnvelope(req)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}
