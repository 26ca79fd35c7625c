// Command cli is an operator tool for poking a running server: submitting
// transfers and payments and inspecting transactions and balances.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

const defaultBaseURL = "http://localhost:3000"

func usage() {
	fmt.Println("Usage: cli <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  transfer <source_id> <dest_id> <amount> [key]           Submit a transfer")
	fmt.Println("  pay      <source_id> <dest_id> <amount> <method> [key]  Submit a payment")
	fmt.Println("  tx       <transaction_id>                               Look up a transaction")
	fmt.Println("  balance  <account_id>                                   Read an account balance")
	fmt.Println("  history  <account_id>                                   List account transactions")
	fmt.Println("Set TRANSACTOR_URL to target a non-local server.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	baseURL := os.Getenv("TRANSACTOR_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch os.Args[1] {
	case "transfer":
		err = c.submit("/transfers", os.Args[2:], false)
	case "pay":
		err = c.submit("/payments", os.Args[2:], true)
	case "tx":
		err = c.get("/transactions/" + arg(2))
	case "balance":
		err = c.get("/accounts/" + arg(2) + "/balance")
	case "history":
		err = c.get("/accounts/" + arg(2) + "/transactions")
	default:
		usage()
		return
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func arg(i int) string {
	if len(os.Args) <= i {
		usage()
		os.Exit(1)
	}
	return os.Args[i]
}

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) submit(path string, args []string, payment bool) error {
	minArgs := 3
	if payment {
		minArgs = 4
	}
	if len(args) < minArgs {
		usage()
		os.Exit(1)
	}
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[2], err)
	}
	body := map[string]any{
		"source_account_id": args[0],
		"dest_account_id":   args[1],
		"amount":            amount,
	}
	keyIdx := 3
	if payment {
		body["payment_method"] = args[3]
		keyIdx = 4
	}
	key := uuid.NewString()
	if len(args) > keyIdx {
		key = args[keyIdx]
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	fmt.Printf("Idempotency-Key: %s\n", key)
	return c.do(req)
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint: errcheck
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	switch {
	case resp.StatusCode == http.StatusAccepted:
		color.Yellow("%s %s", resp.Request.Method, resp.Status)
	case resp.StatusCode < 300:
		color.Green("%s %s", resp.Request.Method, resp.Status)
	default:
		color.Red("%s %s", resp.Request.Method, resp.Status)
	}
	fmt.Println(string(raw))
	return nil
}
