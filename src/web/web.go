package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON 以给定状态码输出 JSON
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("写入响应失败")
	}
}

// deviceListHandler 按 device_id 升序列出当前会话中的设备
func (ws *webServer) deviceListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.devices.Snapshot(ws.now()))
}

func (ws *webServer) deviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid device id"})
		return
	}
	for _, d := range ws.devices.Snapshot(ws.now()) {
		if d.DeviceID == uint16(id) {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorBody{Error: "未找到设备"})
}

func (ws *webServer) summaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.metrics.Snapshot())
}
