// chefos-agent is the caller-side tool for the agent bridge: it generates
// keypairs and sends signed requests, including the replay smoke test. It
// signs with the same canonical and signing packages the server verifies
// with.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rai1001/chefos/bridge/signing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen()
	case "call":
		err = runCall(os.Args[2:])
	case "smoke":
		err = runSmoke(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chefos-agent: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  chefos-agent keygen
  chefos-agent call  -base URL -agent ID -key PRIVATE_KEY [-method GET] [-body JSON] PATH
  chefos-agent smoke -base URL -agent ID -key PRIVATE_KEY`)
}

func runKeygen() error {
	priv, pub, err := signing.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Printf("private key (base64 PKCS8): %s\n", priv)
	fmt.Printf("public key  (base64 raw):   %s\n", pub)
	return nil
}

type callFlags struct {
	base   string
	agent  string
	key    string
	method string
	body   string
}

func parseCallFlags(name string, args []string, withMethod bool) (callFlags, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := callFlags{}
	fs.StringVar(&cf.base, "base", "", "bridge base URL, e.g. https://host/functions/v1/agent-bridge")
	fs.StringVar(&cf.agent, "agent", "", "agent connection identity")
	fs.StringVar(&cf.key, "key", "", "base64 PKCS8 private key")
	if withMethod {
		fs.StringVar(&cf.method, "method", http.MethodGet, "HTTP method")
		fs.StringVar(&cf.body, "body", "", "JSON request body")
	}
	if err := fs.Parse(args); err != nil {
		return callFlags{}, nil, err
	}
	if cf.base == "" || cf.agent == "" || cf.key == "" {
		return callFlags{}, nil, fmt.Errorf("-base, -agent, and -key are required")
	}
	return cf, fs.Args(), nil
}

func runCall(args []string) error {
	cf, rest, err := parseCallFlags("call", args, true)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("exactly one PATH argument required")
	}
	signer, err := signing.NewSigner(cf.agent, cf.key)
	if err != nil {
		return err
	}

	var body []byte
	if cf.body != "" {
		body = []byte(cf.body)
	}
	url := strings.TrimSuffix(cf.base, "/") + "/" + strings.TrimPrefix(rest[0], "/")
	req, err := http.NewRequest(strings.ToUpper(cf.method), url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if _, err := signer.SignRequest(req, body); err != nil {
		return err
	}
	return send(req)
}

func runSmoke(args []string) error {
	cf, _, err := parseCallFlags("smoke", args, false)
	if err != nil {
		return err
	}
	signer, err := signing.NewSigner(cf.agent, cf.key)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(cf.base, "/") + "/events"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if _, err := signer.SignRequest(req, nil); err != nil {
		return err
	}

	fmt.Println("first send (expect 200):")
	first, err := statusOf(req)
	if err != nil {
		return err
	}

	// Replay the identical envelope: same nonce, same signature.
	clone, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	clone.Header = req.Header.Clone()
	fmt.Println("replay send (expect 409):")
	second, err := statusOf(clone)
	if err != nil {
		return err
	}

	if first != http.StatusOK || second != http.StatusConflict {
		return fmt.Errorf("smoke failed: got %d then %d, want 200 then 409", first, second)
	}
	fmt.Println("smoke passed")
	return nil
}

func send(req *http.Request) error {
	_, err := statusOf(req)
	return err
}

func statusOf(req *http.Request) (int, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	fmt.Printf("  status: %s\n", resp.Status)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "  ", "  ") == nil {
		fmt.Printf("  %s\n", pretty.String())
	} else {
		fmt.Printf("  %s\n", raw)
	}
	return resp.StatusCode, nil
}
