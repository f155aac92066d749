package relay

import (
	"encoding/json"

	"relaygate/internal/registry"
	"relaygate/pkg/models"
)

// The relay, not any single device, is the authority on which targets and
// sessions exist, so the Browser/Target methods that describe addressing are
// answered from registry state and never forwarded.
var localMethods = map[string]bool{
	"Browser.getVersion":          true,
	"Browser.setDownloadBehavior": true,
	"Browser.close":               true,
	"Target.setAutoAttach":        true,
	"Target.setDiscoverTargets":   true,
	"Target.getTargets":           true,
	"Target.getTargetInfo":        true,
	"Target.attachToTarget":       true,
	"Target.detachFromTarget":     true,
	"Target.activateTarget":       true,
}

type versionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

type targetInfosResult struct {
	TargetInfos []models.TargetInfo `json:"targetInfos"`
}

type targetInfoResult struct {
	TargetInfo models.TargetInfo `json:"targetInfo"`
}

type attachResult struct {
	SessionID string `json:"sessionId"`
}

type attachedToTargetParams struct {
	SessionID          string            `json:"sessionId"`
	TargetInfo         models.TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool              `json:"waitingForDebugger"`
}

type targetCreatedParams struct {
	TargetInfo models.TargetInfo `json:"targetInfo"`
}

// handleLocalLocked answers the addressing subset synthetically. It returns
// the frames to deliver, in order, and whether the command was handled.
// Commands addressed to a sub-session are never handled locally.
func (e *Engine) handleLocalLocked(c *client, msg *models.Message) ([]*models.Message, bool) {
	if !localMethods[msg.Method] {
		return nil, false
	}
	if msg.SessionID != "" {
		dev, ok := e.quietDeviceLocked(c)
		if !ok || msg.SessionID != dev.Connection.SessionID {
			return nil, false
		}
	}

	switch msg.Method {
	case "Browser.getVersion":
		userAgent := ""
		if dev, ok := e.quietDeviceLocked(c); ok {
			userAgent = dev.Info.UserAgent
		}
		return []*models.Message{resultMessage(msg.ID, versionResult{
			ProtocolVersion: "1.3",
			Product:         e.opts.Product,
			UserAgent:       userAgent,
		})}, true

	case "Browser.setDownloadBehavior", "Browser.close",
		"Target.detachFromTarget", "Target.activateTarget":
		return []*models.Message{emptyResult(msg.ID)}, true

	case "Target.setAutoAttach":
		// The bound device's tab surfaces as an already-attached target.
		var frames []*models.Message
		if dev, ok := e.quietDeviceLocked(c); ok {
			frames = append(frames, eventMessage("Target.attachedToTarget", attachedToTargetParams{
				SessionID:  dev.Connection.SessionID,
				TargetInfo: attachedTarget(dev),
			}))
		}
		return append(frames, emptyResult(msg.ID)), true

	case "Target.setDiscoverTargets":
		var frames []*models.Message
		for _, dev := range e.reg.Connected() {
			frames = append(frames, eventMessage("Target.targetCreated", targetCreatedParams{
				TargetInfo: attachedTarget(dev),
			}))
		}
		return append(frames, emptyResult(msg.ID)), true

	case "Target.getTargets":
		devices := e.reg.Connected()
		infos := make([]models.TargetInfo, 0, len(devices))
		for _, dev := range devices {
			infos = append(infos, attachedTarget(dev))
		}
		return []*models.Message{resultMessage(msg.ID, targetInfosResult{TargetInfos: infos})}, true

	case "Target.getTargetInfo":
		dev, ok := e.quietDeviceLocked(c)
		if !ok {
			return []*models.Message{errorResponse(msg.ID, CodeServerError, "no device currently registered")}, true
		}
		return []*models.Message{resultMessage(msg.ID, targetInfoResult{TargetInfo: attachedTarget(dev)})}, true

	case "Target.attachToTarget":
		dev, ok := e.quietDeviceLocked(c)
		if !ok {
			return []*models.Message{errorResponse(msg.ID, CodeServerError, "no device currently registered")}, true
		}
		return []*models.Message{resultMessage(msg.ID, attachResult{SessionID: dev.Connection.SessionID})}, true
	}

	return nil, false
}

// quietDeviceLocked resolves the client's device without surfacing routing
// errors; local methods that can answer without a device simply get none.
func (e *Engine) quietDeviceLocked(c *client) (registry.Device, bool) {
	dev, errPayload := e.deviceForLocked(c)
	if errPayload != nil {
		return registry.Device{}, false
	}
	return dev, true
}

func attachedTarget(dev registry.Device) models.TargetInfo {
	info := dev.Connection.TargetInfo
	info.Attached = true
	return info
}

func resultMessage(id *int64, v any) *models.Message {
	raw, _ := json.Marshal(v)
	return &models.Message{ID: id, Result: raw}
}

func emptyResult(id *int64) *models.Message {
	return &models.Message{ID: id, Result: json.RawMessage(`{}`)}
}

func eventMessage(method string, params any) *models.Message {
	raw, _ := json.Marshal(params)
	return &models.Message{Method: method, Params: raw}
}
