package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/internal/datasource"
	"Speedtest_Light_Go/internal/engine"
	"Speedtest_Light_Go/internal/logger"
	"Speedtest_Light_Go/internal/output"
	"Speedtest_Light_Go/internal/selector"
	"Speedtest_Light_Go/pkg/model"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed web
var embeddedFS embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// newCatalog 根据运行配置创建数据源
var newCatalog = datasource.NewCatalog

// WebSocketMessage 是推送给前端的消息，Type 为 log、progress、result 或 error
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// progressPayload 是 progress 消息的内容
type progressPayload struct {
	Direction    string  `json:"direction"`
	Done         int     `json:"done"`
	Total        int     `json:"total"`
	Bytes        int64   `json:"bytes"`
	SmoothedMbps float64 `json:"smoothed_mbps"`
}

// Start 启动 Web 服务器，阻塞直到 ctx 被取消或服务器出错。
// 运行期间监听配置文件，日志配置修改后立即生效。
func Start(ctx context.Context, port int, cfgPath string) error {
	handler, err := NewHandler(ctx, cfgPath)
	if err != nil {
		return err
	}

	go func() {
		// 运行期间只调整日志级别，输出格式在启动时已确定
		err := config.Watch(ctx, cfgPath, func(cfg *config.Config) {
			logger.SetLevel(cfg.Log.Level)
			log.Info().Str("level", cfg.Log.Level).Msg("配置已重新加载")
		})
		if err != nil {
			log.Warn().Err(err).Msg("无法监听配置文件")
		}
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("服务器启动失败: %w", err)
	}
	srv := &http.Server{Handler: handler}
	log.Info().Msgf("服务器正在启动，请在浏览器中打开 http://127.0.0.1:%d", port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	// 在 systemd 下以 Type=notify 运行时通知服务已就绪，其它环境下为空操作
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	// 尝试在默认浏览器中打开 URL
	go openBrowser(fmt.Sprintf("http://127.0.0.1:%d", port))

	select {
	case err := <-errCh:
		return fmt.Errorf("服务器异常退出: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("正在关闭服务器")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Shutdown 不跟踪已升级的 WebSocket 连接，单独等待进行中的测速结束
	done := make(chan struct{})
	go func() {
		handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("等待进行中的测速结束超时")
	}
	return nil
}

// Handler 是 Web 模式的路由，并记录进行中的 WebSocket 测速
type Handler struct {
	http.Handler

	ctx  context.Context
	runs sync.WaitGroup
}

// Wait 等待所有进行中的 WebSocket 测速结束
func (h *Handler) Wait() {
	h.runs.Wait()
}

// NewHandler 返回包含页面、配置接口和测速 WebSocket 的路由。
// ctx 被取消时，所有进行中的测速随之取消。
func NewHandler(ctx context.Context, cfgPath string) (*Handler, error) {
	// Create a sub-filesystem to remove the "web" prefix
	staticFS, err := fs.Sub(embeddedFS, "web")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		f, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index.html not found", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		content, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "failed to read index.html", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", time.Now(), bytes.NewReader(content))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/api/config", getConfig(cfgPath))
	r.Post("/api/config", postConfig(cfgPath))
	r.Get("/api/servers", listServers(cfgPath))
	h := &Handler{Handler: r, ctx: ctx}
	r.Get("/ws/run", h.handleWebSocket(cfgPath))
	return h, nil
}

func getConfig(cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// 只返回文件中的内容，不带环境变量覆盖，避免保存时把它们写回文件
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load config: %v", err), http.StatusInternalServerError)
			return
		}
		cfg, err := config.Parse(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load config: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func postConfig(cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var newConfig map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := saveConfigWithComments(cfgPath, newConfig); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// listServers 返回按距离排序的候选服务器，不做延迟测试
func listServers(cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load config: %v", err), http.StatusInternalServerError)
			return
		}
		catalog, err := newCatalog(cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		client, candidates, err := catalog.Fetch(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("获取服务器列表失败: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, serverList{
			Client:  client,
			Servers: selector.Closest(candidates, client.Coordinate, cfg.ServerCount, cfg.IncludeAllServers),
		})
	}
}

type serverList struct {
	Client  model.ClientInfo     `json:"client"`
	Servers []model.RankedServer `json:"servers"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleWebSocket(cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.runs.Add(1)
		defer h.runs.Done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		// 1. 等待前端发来的配置消息，服务器关闭时中断等待
		stopClose := context.AfterFunc(h.ctx, func() { _ = conn.Close() })
		_, msg, err := conn.ReadMessage()
		stopClose()
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket read for config failed")
			return
		}

		runConfig, err := loadRunConfig(cfgPath, msg)
		if err != nil {
			log.Warn().Err(err).Msg("invalid run config")
			_ = conn.WriteJSON(WebSocketMessage{Type: "error", Payload: err.Error()})
			return
		}

		// 2. 客户端断开或服务器关闭时取消测速
		ctx, cancel := context.WithCancel(h.ctx)
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Debug().Err(err).Msg("client disconnected")
					return
				}
			}
		}()

		// 3. 唯一写连接的 goroutine
		writeChan := make(chan WebSocketMessage, 64)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for msg := range writeChan {
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug().Err(err).Msg("WebSocket write error")
					cancel()
					// 继续消费，避免发送方阻塞
					for range writeChan {
					}
					return
				}
			}
		}()

		var sendMu sync.Mutex
		closed := false
		send := func(m WebSocketMessage) {
			sendMu.Lock()
			defer sendMu.Unlock()
			if closed {
				return
			}
			writeChan <- m
		}
		progressCallback := func(message string) {
			send(WebSocketMessage{Type: "log", Payload: message})
		}

		// 4. 运行测速
		catalog, err := newCatalog(runConfig)
		var report *model.Report
		if err == nil {
			runner := &engine.Runner{
				Config:   runConfig,
				Catalog:  catalog,
				Progress: progressCallback,
				OnProgress: func(p engine.Progress) {
					send(WebSocketMessage{Type: "progress", Payload: progressPayload{
						Direction:    string(p.Direction),
						Done:         p.Done,
						Total:        p.Total,
						Bytes:        p.Bytes,
						SmoothedMbps: p.SmoothedRate * 8 / 1000 / 1000,
					}})
				},
			}
			report, err = runner.Run(ctx)
		}

		switch {
		case errors.Is(err, model.ErrCancelled):
			log.Info().Msg("测速已被客户端取消")
		case err != nil:
			errMsg := fmt.Sprintf("引擎运行时出错: %v", err)
			log.Error().Err(err).Msg("engine run failed")
			send(WebSocketMessage{Type: "error", Payload: errMsg})
		default:
			send(WebSocketMessage{Type: "result", Payload: output.ToHumanReadable(report, runConfig.Units)})
			saveResults(filepath.Dir(cfgPath), report, runConfig.Units, progressCallback)
		}

		progressCallback("--- 任务完成 ---")
		sendMu.Lock()
		closed = true
		close(writeChan)
		sendMu.Unlock()
		<-writerDone

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
}

// loadRunConfig 以文件中的配置为基础，用前端发来的字段覆盖
func loadRunConfig(cfgPath string, overlay []byte) (*config.Config, error) {
	runConfig, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to load base config: %w", err)
	}
	if len(bytes.TrimSpace(overlay)) > 0 {
		if err := json.Unmarshal(overlay, runConfig); err != nil {
			return nil, fmt.Errorf("Invalid config format: %w", err)
		}
	}
	runConfig.ApplyDefaults()
	if err := runConfig.Validate(); err != nil {
		return nil, err
	}
	return runConfig, nil
}

// saveResults 将结果写入配置文件所在目录的 web_result.json 和 web_result.csv
func saveResults(dir string, report *model.Report, units string, progressCb func(string)) {
	jsonFile := filepath.Join(dir, "web_result.json")
	csvFile := filepath.Join(dir, "web_result.csv")

	if err := writeFile(jsonFile, func(w io.Writer) error { return output.WriteJSON(w, report, units) }); err != nil {
		log.Error().Err(err).Str("file", jsonFile).Msg("保存 JSON 文件失败")
		progressCb(fmt.Sprintf("错误: 保存 %s 失败。", jsonFile))
	} else {
		progressCb(fmt.Sprintf("结果已保存到 %s", jsonFile))
	}

	if err := writeFile(csvFile, func(w io.Writer) error { return output.WriteCSV(w, report, units, true) }); err != nil {
		log.Error().Err(err).Str("file", csvFile).Msg("保存 CSV 文件失败")
		progressCb(fmt.Sprintf("错误: 保存 %s 失败。", csvFile))
	} else {
		progressCb(fmt.Sprintf("结果已保存到 %s", csvFile))
	}
}

// writeFile 先写临时文件再重命名，中途失败时不破坏已有的结果文件
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func saveConfigWithComments(cfgPath string, newValues map[string]interface{}) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("配置文件格式无效: %s", cfgPath)
	}

	// yaml.v3 unmarshals to a document node, we need the content
	updateMapping(root.Content[0], newValues)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	// 保存前确认新内容仍是合法配置
	if _, err := config.Parse(out); err != nil {
		return err
	}
	return os.WriteFile(cfgPath, out, 0644)
}

// updateMapping 只更新文件中已存在的键，保留注释和顺序
func updateMapping(mapping *yaml.Node, newValues map[string]interface{}) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode := mapping.Content[i]
		valNode := mapping.Content[i+1]

		newValue, ok := newValues[keyNode.Value]
		if !ok {
			continue
		}
		if nested, isMap := newValue.(map[string]interface{}); isMap && valNode.Kind == yaml.MappingNode {
			updateMapping(valNode, nested)
			continue
		}
		setNodeValue(valNode, newValue)
	}
}

// openBrowser tries to open the URL in a default browser.
func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}
	if err != nil {
		log.Warn().Err(err).Msgf("无法自动打开浏览器，请手动打开 %s", url)
	}
}

// setNodeValue updates a yaml.Node's value based on the provided interface{}.
// It handles basic types and slices.
func setNodeValue(node *yaml.Node, value interface{}) {
	node.Style = 0
	if slice, isSlice := value.([]interface{}); isSlice {
		node.Kind = yaml.SequenceNode
		node.Tag = "!!seq"
		node.Style = yaml.FlowStyle
		node.Content = []*yaml.Node{}
		for _, item := range slice {
			itemNode := &yaml.Node{}
			setNodeValue(itemNode, item)
			node.Content = append(node.Content, itemNode)
		}
		return
	}

	node.Kind = yaml.ScalarNode
	node.Content = nil
	switch v := value.(type) {
	case bool:
		node.Tag = "!!bool"
		node.Value = strconv.FormatBool(v)
	case float64:
		// JSON 数字一律解码为 float64，整数值按 int 写回
		if v == float64(int64(v)) {
			node.Tag = "!!int"
			node.Value = strconv.FormatInt(int64(v), 10)
		} else {
			node.Tag = "!!float"
			node.Value = strconv.FormatFloat(v, 'f', -1, 64)
		}
	case nil:
		node.Tag = "!!null"
		node.Value = ""
	default:
		node.Tag = "!!str"
		node.Value = fmt.Sprintf("%v", v)
	}
}
