// Command azworker is planted on a worker VM by cloud-init. It dials
// the cluster manager, performs the fixed-cookie handshake, and then
// runs the real worker binary, passing its bind address through and
// watching for a spot-eviction notice in the background for as long
// as the worker runs.
//
// Configuration arrives entirely through environment variables, the
// same dispatch style bigmachine's own boot shims use: no flags, no
// config file, since cloud-init's customData is the only channel
// available before the worker process exists.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
	"github.com/mloubout/azmanagers/azure"
)

func main() {
	if err := run(); err != nil {
		log.Error.Printf("azworker: %v", err)
		os.Exit(1)
	}
}

func run() error {
	managerAddr := os.Getenv("AZMANAGER_ADDR")
	cookie := os.Getenv("AZMANAGER_COOKIE")
	if managerAddr == "" || cookie == "" {
		return fmt.Errorf("AZMANAGER_ADDR and AZMANAGER_COOKIE must be set")
	}
	bindAddr := os.Getenv("AZWORKER_BIND_ADDR")
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0"
	}
	ppi, _ := strconv.Atoi(os.Getenv("AZWORKER_PPI"))
	if ppi == 0 {
		ppi = 1
	}

	userData := map[string]interface{}{
		"subscriptionid": os.Getenv("AZWORKER_SUBSCRIPTIONID"),
		"resourcegroup":  os.Getenv("AZWORKER_RESOURCEGROUP"),
		"scalesetname":   os.Getenv("AZWORKER_SCALESETNAME"),
		"instanceid":     os.Getenv("AZWORKER_INSTANCEID"),
		"name":           os.Getenv("AZWORKER_NAME"),
	}

	conn, err := net.DialTimeout("tcp", managerAddr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dialing manager at %s: %w", managerAddr, err)
	}
	defer conn.Close()

	if err := sendHandshake(conn, cookie, bindAddr, ppi, userData); err != nil {
		return err
	}
	log.Printf("azworker: registered with manager at %s", managerAddr)

	exe := os.Getenv("AZWORKER_EXE")
	if exe == "" {
		exe = "julia"
	}
	cmd := exec.Command(exe, "--worker")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", exe, err)
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go watchForPreemption(cmd.Process, stopWatch)

	return cmd.Wait()
}

// watchForPreemption polls the scheduled-events metadata every 30
// seconds for a pending eviction and, on spot instances, kills proc
// as soon as one is seen rather than waiting for Azure to pull power
// out from under the worker mid-task.
func watchForPreemption(proc *os.Process, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			preempted, err := azure.Preempted(context.Background())
			if err != nil {
				log.Debug.Printf("azworker: checking for preemption: %v", err)
				continue
			}
			if preempted {
				log.Error.Printf("azworker: preemption notice received, terminating worker")
				proc.Kill()
				return
			}
		}
	}
}

func sendHandshake(conn net.Conn, cookie, bindAddr string, ppi int, userData map[string]interface{}) error {
	cookieLine := cookie
	if len(cookieLine) > 64 {
		cookieLine = cookieLine[:64]
	}
	for len(cookieLine) < 64 {
		cookieLine += " "
	}
	if _, err := conn.Write([]byte(cookieLine)); err != nil {
		return fmt.Errorf("writing cookie: %w", err)
	}

	payload, err := json.Marshal(struct {
		BindAddr string                 `json:"bind_addr"`
		PPI      int                    `json:"ppi"`
		UserData map[string]interface{} `json:"userdata"`
	}{BindAddr: bindAddr, PPI: ppi, UserData: userData})
	if err != nil {
		return fmt.Errorf("marshaling handshake: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(encoded + "\n"); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return w.Flush()
}
