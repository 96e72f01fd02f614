// SPDX-License-Identifier: MIT

// Package main implements balancerctl, an interactive console for the
// balancerd control API.
//
// balancerctl presents a terminal menu for the operations the dashboard
// exposes — listing services, reading probe status and stats, adding,
// editing or removing services, and adding or removing backends — without
// memorizing curl invocations. It has no entry for editing an existing
// backend.
//
// Usage:
//
//	balancerctl [--api=http://127.0.0.1:8000]
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/goccy/go-json"
)

var apiURL = flag.String("api", "http://127.0.0.1:8000", "balancerd control API base URL")

func main() {
	flag.Parse()

	c := &client{
		base: *apiURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}

	for {
		var action string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("balancerctl — " + c.base).
				Options(
					huh.NewOption("Show status", "status"),
					huh.NewOption("List services", "list_services"),
					huh.NewOption("List servers", "list_servers"),
					huh.NewOption("Show stats", "stats"),
					huh.NewOption("Add service", "add_service"),
					huh.NewOption("Edit service", "edit_service"),
					huh.NewOption("Remove service", "remove_service"),
					huh.NewOption("Set service mode", "set_mode"),
					huh.NewOption("Add server", "add_server"),
					huh.NewOption("Remove server", "remove_server"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&action),
		))
		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				return
			}
			fmt.Fprintf(os.Stderr, "balancerctl: %v\n", err)
			os.Exit(1)
		}

		var err error
		switch action {
		case "status":
			err = c.get("/api/status")
		case "list_services":
			err = c.get("/api/list_services")
		case "list_servers":
			err = c.listServers()
		case "stats":
			err = c.get("/api/socat_stats")
		case "add_service":
			err = c.addService()
		case "edit_service":
			err = c.editService()
		case "remove_service":
			err = c.removeService()
		case "set_mode":
			err = c.setMode()
		case "add_server":
			err = c.addServer()
		case "remove_server":
			err = c.removeServer()
		case "quit":
			return
		}
		if err != nil {
			if err == huh.ErrUserAborted {
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// client is a thin JSON client for the control API.
type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return printBody(resp)
}

func (c *client) post(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return printBody(resp)
}

// printBody pretty-prints the response JSON.
func printBody(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Printf("[%d]\n%s\n", resp.StatusCode, pretty.String())
	return nil
}

func (c *client) listServers() error {
	var service string
	if err := inputForm("Service name", &service); err != nil {
		return err
	}
	return c.get("/api/list_servers?service=" + service)
}

func (c *client) addService() error {
	var name, port, mode string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&name),
		huh.NewInput().Title("Listen port").Value(&port).Validate(validatePort),
		huh.NewSelect[string]().Title("Mode").
			Options(huh.NewOption("failover", "failover"), huh.NewOption("round-robin", "round-robin")).
			Value(&mode),
	))
	if err := form.Run(); err != nil {
		return err
	}
	p, _ := strconv.Atoi(port)
	return c.post("/api/add_service", map[string]interface{}{
		"name": name, "listen_port": p, "mode": mode,
	})
}

func (c *client) editService() error {
	var name, newName, port string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&name),
		huh.NewInput().Title("New name (blank = keep)").Value(&newName),
		huh.NewInput().Title("New listen port (blank = keep)").Value(&port).Validate(validateOptionalPort),
	))
	if err := form.Run(); err != nil {
		return err
	}
	body := map[string]interface{}{"name": name}
	if newName != "" {
		body["new_name"] = newName
	}
	if port != "" {
		p, _ := strconv.Atoi(port)
		body["listen_port"] = p
	}
	return c.post("/api/edit_service", body)
}

func (c *client) removeService() error {
	var name string
	if err := inputForm("Service name", &name); err != nil {
		return err
	}
	confirmed, err := confirm(fmt.Sprintf("Remove service '%s'?", name))
	if err != nil || !confirmed {
		return err
	}
	return c.post("/api/remove_service", map[string]interface{}{"name": name})
}

func (c *client) setMode() error {
	var service, mode string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&service),
		huh.NewSelect[string]().Title("Mode").
			Options(huh.NewOption("failover", "failover"), huh.NewOption("round-robin", "round-robin")).
			Value(&mode),
	))
	if err := form.Run(); err != nil {
		return err
	}
	return c.post("/api/set_service_mode", map[string]interface{}{
		"service": service, "mode": mode,
	})
}

func (c *client) addServer() error {
	var service, ip, port, checkType, httpPath string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&service),
		huh.NewInput().Title("Backend IP").Value(&ip),
		huh.NewInput().Title("Backend port").Value(&port).Validate(validatePort),
		huh.NewSelect[string]().Title("Check type").
			Options(
				huh.NewOption("tcp", "tcp"),
				huh.NewOption("http", "http"),
				huh.NewOption("smpp", "smpp"),
			).
			Value(&checkType),
		huh.NewInput().Title("HTTP path (http checks only)").Value(&httpPath),
	))
	if err := form.Run(); err != nil {
		return err
	}
	p, _ := strconv.Atoi(port)
	body := map[string]interface{}{
		"service": service, "ip": ip, "port": p, "check_type": checkType,
	}
	if httpPath != "" {
		body["http_path"] = httpPath
	}
	return c.post("/api/add_server", body)
}

func (c *client) removeServer() error {
	var service, ip, port string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&service),
		huh.NewInput().Title("Backend IP").Value(&ip),
		huh.NewInput().Title("Backend port").Value(&port).Validate(validatePort),
	))
	if err := form.Run(); err != nil {
		return err
	}
	p, _ := strconv.Atoi(port)
	return c.post("/api/remove_server", map[string]interface{}{
		"service": service, "ip": ip, "port": p,
	})
}

func inputForm(title string, value *string) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(title).Value(value),
	)).Run()
}

func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Value(&ok),
	)).Run()
	return ok, err
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be 1..65535")
	}
	return nil
}

func validateOptionalPort(s string) error {
	if s == "" {
		return nil
	}
	return validatePort(s)
}
