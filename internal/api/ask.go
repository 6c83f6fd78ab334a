package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/querybench/querybench/internal/eval"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/schema"
)

type askRequest struct {
	Question string `json:"question"`
}

type guardRequest struct {
	SQL string `json:"sql"`
}

type schemaResponse struct {
	schema.Description
	PromptText string `json:"prompt_text"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema source is not configured", false, nil)
		return
	}

	var (
		desc schema.Description
		err  error
	)
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if refresh && deps.SchemaRefresher != nil {
		desc, err = deps.SchemaRefresher.Refresh(r.Context())
	} else {
		desc, err = deps.Schema.Describe(r.Context())
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "failed to describe schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{Description: desc, PromptText: prompt.SchemaText(desc)})
}

func handleGuard(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req guardRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid guard request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	policy := guard.DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	writeJSON(w, http.StatusOK, policy.Check(req.SQL))
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}

	var req askRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	answer, err := deps.Pipeline.Ask(r.Context(), req.Question)
	if err != nil {
		kind := eval.Classify(err)
		status, retryable := askErrorStatus(kind)
		writeError(r.Context(), w, status, strings.ToUpper(string(kind)), err.Error(), retryable, map[string]any{"answer": answerPayload(answer)})
		return
	}
	writeJSON(w, http.StatusOK, answerPayload(answer))
}

func askErrorStatus(kind eval.ErrorKind) (int, bool) {
	switch kind {
	case eval.KindInvalidInput:
		return http.StatusBadRequest, false
	case eval.KindSchemaFailed:
		return http.StatusServiceUnavailable, true
	case eval.KindGenerationTimeout, eval.KindExecutionTimeout:
		return http.StatusGatewayTimeout, true
	case eval.KindNoSQL, eval.KindSafetyRejected, eval.KindExecutionFailed:
		return http.StatusUnprocessableEntity, false
	default:
		return http.StatusBadGateway, true
	}
}

func answerPayload(answer pipeline.Answer) map[string]any {
	payload := map[string]any{
		"question":    answer.Question,
		"sql":         answer.Generation.SQL,
		"assumptions": answer.Generation.Assumptions,
		"provider":    answer.Generation.Provider,
		"model":       answer.Generation.Model,
		"verdict":     answer.Verdict,
	}
	if answer.Result != nil {
		payload["result"] = answer.Result
	}
	return payload
}
