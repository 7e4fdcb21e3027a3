package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Admin-API-Key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		baseURL = envOr("HELLOFED_ADMIN_URL", "http://localhost:8080")
		apiKey  = envOr("HELLOFED_ADMIN_KEY", "")
		out     = envOr("HELLOFED_OUT", "text")
	)

	root := &cobra.Command{
		Use:   "fedctl",
		Short: "CLI admin para HelloFed (solo /v1/admin)",
	}
	root.PersistentFlags().StringVar(&baseURL, "admin-api-url", baseURL, "URL base del Admin API (env HELLOFED_ADMIN_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-api-key", apiKey, "API key del Admin API (env HELLOFED_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if apiKey == "" {
			return fmt.Errorf("falta API key (flag --admin-api-key o env HELLOFED_ADMIN_KEY)")
		}
		cl.BaseURL, cl.APIKey, cl.OutFormat = baseURL, apiKey, out
		return nil
	}

	// keys rotate <username>
	var grace int64
	rotateCmd := &cobra.Command{
		Use:   "rotate <username>",
		Short: "Rotar el par de claves de un actor local",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte("{}")
			if cmd.Flags().Changed("grace-seconds") {
				body = []byte(fmt.Sprintf(`{"grace_seconds":%d}`, grace))
			}
			status, resp, err := cl.do("POST", "/v1/admin/actors/"+url.PathEscape(args[0])+"/keys/rotate", body)
			if err != nil {
				return err
			}
			cl.print(status, resp)
			if status/100 != 2 {
				return fmt.Errorf("rotate falló: status=%d", status)
			}
			return nil
		},
	}
	rotateCmd.Flags().Int64Var(&grace, "grace-seconds", 3600, "ventana de gracia de la clave anterior")

	generateCmd := &cobra.Command{
		Use:   "generate <username>",
		Short: "Generar el par de claves de un actor que no tiene (idempotente)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, resp, err := cl.do("POST", "/v1/admin/actors/"+url.PathEscape(args[0])+"/keys", nil)
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				fmt.Println("ok")
				return nil
			}
			cl.print(status, resp)
			return fmt.Errorf("generate falló: status=%d", status)
		},
	}

	keysCmd := &cobra.Command{Use: "keys", Short: "Gestión de claves de actores"}
	keysCmd.AddCommand(rotateCmd, generateCmd)

	// deliveries list / get / cancel / enqueue
	var listStatus string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar delivery tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if listStatus != "" {
				q.Set("status", listStatus)
			}
			q.Set("limit", fmt.Sprint(listLimit))
			status, resp, err := cl.do("GET", "/v1/admin/deliveries?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			cl.print(status, resp)
			return nil
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filtrar por estado (pending|in_flight|retry_scheduled|delivered|abandoned)")
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "máximo de resultados")

	getCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Ver una delivery task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, resp, err := cl.do("GET", "/v1/admin/deliveries/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			cl.print(status, resp)
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancelar una delivery task pendiente",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, resp, err := cl.do("DELETE", "/v1/admin/deliveries/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				fmt.Println("ok")
				return nil
			}
			cl.print(status, resp)
			return fmt.Errorf("cancel falló: status=%d", status)
		},
	}

	var enqActor, enqInbox, enqPayload string
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Encolar un envío firmado a un inbox remoto",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enqActor == "" || enqInbox == "" || enqPayload == "" {
				return fmt.Errorf("--actor, --inbox y --payload son requeridos")
			}
			if !json.Valid([]byte(enqPayload)) {
				return fmt.Errorf("--payload debe ser JSON válido")
			}
			body, _ := json.Marshal(map[string]any{
				"actor":        enqActor,
				"target_inbox": enqInbox,
				"payload":      json.RawMessage(enqPayload),
			})
			status, resp, err := cl.do("POST", "/v1/admin/deliveries", body)
			if err != nil {
				return err
			}
			cl.print(status, resp)
			if status/100 != 2 {
				return fmt.Errorf("enqueue falló: status=%d", status)
			}
			return nil
		},
	}
	enqueueCmd.Flags().StringVar(&enqActor, "actor", "", "URI del actor local emisor")
	enqueueCmd.Flags().StringVar(&enqInbox, "inbox", "", "URL del inbox destino")
	enqueueCmd.Flags().StringVar(&enqPayload, "payload", "", "actividad JSON a enviar")

	deliveriesCmd := &cobra.Command{Use: "deliveries", Short: "Gestión de la cola de delivery"}
	deliveriesCmd.AddCommand(listCmd, getCmd, cancelCmd, enqueueCmd)

	root.AddCommand(keysCmd, deliveriesCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
