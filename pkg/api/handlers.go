package api

import (
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/apiresponses"
	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/requestcontext"
	"github.com/telekom/audit-trail/pkg/system"
	"github.com/telekom/audit-trail/pkg/translation"
)

// EventRequest is the body of POST /api/audit/events.
type EventRequest struct {
	Action     string         `json:"action" binding:"required"`
	ObjectType string         `json:"objectType" binding:"required"`
	ObjectID   string         `json:"objectId"`
	ObjectRepr string         `json:"objectRepr"`
	Extra      map[string]any `json:"extra"`
}

// EventResponse reports a logged event.
type EventResponse struct {
	LogID         string              `json:"logId"`
	Action        audit.Action        `json:"action"`
	ObjectType    string              `json:"objectType"`
	ChangeMessage audit.ChangeMessage `json:"changeMessage"`
}

func (s *Server) postEvent(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	if s.deps.Capturer == nil {
		apiresponses.RespondServiceUnavailable(c, "audit capture")
		return
	}

	var body EventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid audit event", err.Error())
		return
	}
	action, err := audit.ParseAction(body.Action)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	if requestcontext.User(c.Request.Context()) == nil {
		apiresponses.RespondUnauthorized(c)
		return
	}

	subject := registry.Ref{Type: body.ObjectType, ID: body.ObjectID, Repr: body.ObjectRepr}
	event, err := s.deps.Capturer.LogEvent(c.Request.Context(), action, nil, subject, body.Extra)
	switch {
	case event == nil:
		metrics.APIManualEvents.WithLabelValues(string(action), "error").Inc()
		apiresponses.RespondInternalError(c, "log audit event", err, log)
		return
	case err != nil:
		// The local log has the event; only the broker publish failed.
		metrics.APIManualEvents.WithLabelValues(string(action), "broker_error").Inc()
		log.Warn("manual audit event not published", append(system.EventFields(event), zap.Error(err))...)
		apiresponses.RespondNotPublished(c, event.LogID, err)
		return
	}

	metrics.APIManualEvents.WithLabelValues(string(action), "success").Inc()
	apiresponses.RespondCreated(c, EventResponse{
		LogID:         event.LogID,
		Action:        event.Action,
		ObjectType:    event.ObjectType,
		ChangeMessage: event.ChangeMessage,
	})
}

func (s *Server) getSinks(c *gin.Context) {
	if s.deps.Service == nil {
		apiresponses.RespondServiceUnavailable(c, "audit delivery")
		return
	}
	apiresponses.RespondOK(c, s.deps.Service.Status())
}

// BrokerRequest is the body of PUT /api/audit/broker.
type BrokerRequest struct {
	Disabled *bool `json:"disabled" binding:"required"`
}

// putBroker flips the kill switch. The flip itself is audited.
func (s *Server) putBroker(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	if s.deps.Service == nil {
		apiresponses.RespondServiceUnavailable(c, "audit delivery")
		return
	}
	if requestcontext.User(c.Request.Context()) == nil {
		apiresponses.RespondUnauthorized(c)
		return
	}

	var body BrokerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid broker request", err.Error())
		return
	}

	pipeline := s.deps.Service.Pipeline()
	previous := pipeline.BrokerDeliveryDisabled()
	pipeline.SetBrokerDeliveryDisabled(*body.Disabled)
	log.Warn("broker delivery switched", zap.Bool("disabled", *body.Disabled))

	if s.deps.Capturer != nil && previous != *body.Disabled {
		_, _ = s.deps.Capturer.LogEvent(c.Request.Context(), audit.ActionChange, nil,
			registry.Ref{Type: "audit.pipeline", ID: "broker", Repr: "audit broker delivery"},
			map[string]any{"broker_delivery_disabled": *body.Disabled})
	}
	apiresponses.RespondOK(c, s.deps.Service.Status())
}

// ModelInfo is the translated metadata of one registered type.
type ModelInfo struct {
	Key               string            `json:"key"`
	VerboseName       string            `json:"verboseName"`
	VerboseNamePlural string            `json:"verboseNamePlural"`
	Fields            map[string]string `json:"fields,omitempty"`
	RedirectTarget    string            `json:"redirectTarget,omitempty"`
}

func (s *Server) getModels(c *gin.Context) {
	if s.deps.Capturer == nil {
		apiresponses.RespondServiceUnavailable(c, "audit capture")
		return
	}
	apiresponses.RespondOK(c, DescribeModels(s.deps.Capturer.Registry(), s.translator(c)))
}

// DescribeModels lists the registered types ordered by key, with display
// names and field labels resolved by tr.
func DescribeModels(reg *registry.Registry, tr *translation.Translator) []ModelInfo {
	all := reg.AllModelInfo()
	out := make([]ModelInfo, 0, len(all))
	for key, d := range all {
		info := ModelInfo{
			Key:               key,
			VerboseName:       tr.DisplayForEntity(key),
			VerboseNamePlural: d.VerboseNamePlural,
		}
		if len(d.Fields) > 0 {
			info.Fields = make(map[string]string, len(d.Fields))
			for name := range d.Fields {
				info.Fields[name] = tr.DisplayForField(name, key)
			}
		}
		if target, _, ok := reg.RedirectTarget(key); ok {
			info.RedirectTarget = target
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TranslateRequest is the body of POST /api/audit/translate.
type TranslateRequest struct {
	ObjectType    string              `json:"objectType"`
	Action        string              `json:"action"`
	ChangeMessage audit.ChangeMessage `json:"changeMessage"`
}

// TranslateResponse carries display labels in the requested language.
type TranslateResponse struct {
	Language      string              `json:"language"`
	ObjectType    string              `json:"objectType,omitempty"`
	Action        string              `json:"action,omitempty"`
	ChangeMessage audit.ChangeMessage `json:"changeMessage"`
}

func (s *Server) postTranslate(c *gin.Context) {
	var body TranslateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid translate request", err.Error())
		return
	}
	tr := s.translator(c)

	resp := TranslateResponse{
		Language:      tr.Language().String(),
		ChangeMessage: tr.TranslateChangeMessage(body.ChangeMessage, body.ObjectType),
	}
	if body.ObjectType != "" {
		resp.ObjectType = tr.DisplayForEntity(body.ObjectType)
	}
	if body.Action != "" {
		resp.Action = tr.DisplayForAction(audit.Action(body.Action))
	}
	apiresponses.RespondOK(c, resp)
}

// translator picks the language from ?lang=, then Accept-Language.
func (s *Server) translator(c *gin.Context) *translation.Translator {
	tr := s.deps.Translator
	if tr == nil {
		var reg *registry.Registry
		if s.deps.Capturer != nil {
			reg = s.deps.Capturer.Registry()
		}
		tr = translation.New(reg, s.config.Audit.Language, s.log)
	}
	lang := c.Query("lang")
	if lang == "" {
		lang = c.GetHeader("Accept-Language")
	}
	if lang == "" {
		return tr
	}
	return tr.For(lang)
}
