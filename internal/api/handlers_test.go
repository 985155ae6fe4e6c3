package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/BTreeMap/smtre/internal/api"
	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
	"github.com/BTreeMap/smtre/internal/store"
	"github.com/BTreeMap/smtre/internal/testutil"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

var _ = Describe("Server", func() {
	var (
		st      *store.InMemoryStore
		gw      *conversation.MockGateway
		handler http.Handler
	)

	do := func(method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
		var reader *bytes.Reader
		switch b := body.(type) {
		case nil:
			reader = bytes.NewReader(nil)
		case string:
			reader = bytes.NewReader([]byte(b))
		default:
			raw, err := json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(raw)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var env envelope
		if w.Body.Len() > 0 {
			Expect(json.Unmarshal(w.Body.Bytes(), &env)).To(Succeed())
		}
		return w, env
	}

	createSetting := func(workspaceID string, teams ...string) models.Setting {
		input := testutil.NewSetting("", workspaceID)
		input.TeamIDs = teams
		w, env := do(http.MethodPost, "/v1/workspaces/"+workspaceID+"/settings", input)
		Expect(w.Code).To(Equal(http.StatusCreated))
		var created models.Setting
		Expect(json.Unmarshal(env.Result, &created)).To(Succeed())
		Expect(created.ID).NotTo(BeEmpty())
		return created
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		st = store.NewInMemoryStore()
		gw = conversation.NewMockGateway()
		system := conversation.Member{Identity: "smt-re-bot", DisplayName: "Assistant"}
		svc := reengagement.NewService(st, reengagement.NewStateMachine(gw, st, system), gw)
		handler = api.NewServer(svc).Handler()
	})

	Describe("GET /health", func() {
		It("reports healthy without checks", func() {
			w, _ := do(http.MethodGet, "/health", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(`"healthy"`))
		})

		It("reports degraded when a check fails", func() {
			svc := reengagement.NewService(st, reengagement.NewStateMachine(gw, st, conversation.Member{Identity: "bot"}), gw)
			handler = api.NewServer(svc, api.WithHealthCheck(func(ctx context.Context) error {
				return errors.New("redis unreachable")
			})).Handler()

			w, _ := do(http.MethodGet, "/health", nil)
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Body.String()).To(ContainSubstring("redis unreachable"))
		})
	})

	Describe("settings", func() {
		It("creates, reads, updates and deletes a setting", func() {
			created := createSetting("ws-1")

			w, env := do(http.MethodGet, "/v1/workspaces/ws-1/settings/"+created.ID, nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(env.Status).To(Equal("ok"))

			update := created
			update.Name = "evening follow-up"
			w, env = do(http.MethodPut, "/v1/workspaces/ws-1/settings/"+created.ID, update)
			Expect(w.Code).To(Equal(http.StatusOK))
			var updated models.Setting
			Expect(json.Unmarshal(env.Result, &updated)).To(Succeed())
			Expect(updated.Name).To(Equal("evening follow-up"))

			w, _ = do(http.MethodDelete, "/v1/workspaces/ws-1/settings/"+created.ID, nil)
			Expect(w.Code).To(Equal(http.StatusOK))

			w, env = do(http.MethodGet, "/v1/workspaces/ws-1/settings/"+created.ID, nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(env.Status).To(Equal("error"))
		})

		It("rejects invalid stage definitions", func() {
			input := testutil.NewSetting("", "ws-1")
			input.Initial.WaitMinutes = 0
			w, env := do(http.MethodPost, "/v1/workspaces/ws-1/settings", input)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Message).To(Equal(models.ErrInvalidWaitMinutes.Error()))
		})

		It("rejects malformed JSON", func() {
			w, env := do(http.MethodPost, "/v1/workspaces/ws-1/settings", "{not json")
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Message).To(Equal("Invalid JSON format"))
		})

		It("hides settings of other workspaces", func() {
			created := createSetting("ws-1")
			w, _ := do(http.MethodGet, "/v1/workspaces/ws-2/settings/"+created.ID, nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("filters the list by team", func() {
			createSetting("ws-1", "team-a")
			createSetting("ws-1")

			w, env := do(http.MethodGet, "/v1/workspaces/ws-1/settings?team_id=team-b", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			var list []models.Setting
			Expect(json.Unmarshal(env.Result, &list)).To(Succeed())
			Expect(list).To(HaveLen(1))
			Expect(list[0].TeamIDs).To(BeEmpty())
		})

		It("refuses to delete a setting with active records", func() {
			created := createSetting("ws-1")
			w, _ := do(http.MethodPost, "/v1/workspaces/ws-1/records", map[string]string{
				"conversation_id": "conv-1",
				"setting_id":      created.ID,
			})
			Expect(w.Code).To(Equal(http.StatusCreated))

			w, _ = do(http.MethodDelete, "/v1/workspaces/ws-1/settings/"+created.ID, nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("records", func() {
		var setting models.Setting

		BeforeEach(func() {
			setting = createSetting("ws-1", "team-a")
			gw.Put(conversation.Conversation{ID: "conv-1", TeamID: "team-a"})
			gw.Put(conversation.Conversation{ID: "conv-2", TeamID: "team-b"})
		})

		It("starts re-engagement and exposes the record by conversation", func() {
			w, env := do(http.MethodPost, "/v1/workspaces/ws-1/records", map[string]string{
				"conversation_id": "conv-1",
				"setting_id":      setting.ID,
			})
			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(env.Message).To(Equal("Re-engagement started"))

			w, env = do(http.MethodGet, "/v1/workspaces/ws-1/conversations/conv-1/record", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			var view map[string]interface{}
			Expect(json.Unmarshal(env.Result, &view)).To(Succeed())
			Expect(view["state"]).To(Equal(string(models.RecordStateCreated)))
			Expect(view["conversation_id"]).To(Equal("conv-1"))
		})

		It("maps creation failures to status codes", func() {
			cases := []struct {
				workspace string
				body      map[string]string
				status    int
			}{
				{"ws-1", map[string]string{"setting_id": setting.ID}, http.StatusBadRequest},
				{"ws-1", map[string]string{"conversation_id": "conv-1", "setting_id": "missing"}, http.StatusNotFound},
				{"ws-2", map[string]string{"conversation_id": "conv-1", "setting_id": setting.ID}, http.StatusUnprocessableEntity},
				{"ws-1", map[string]string{"conversation_id": "conv-2", "setting_id": setting.ID}, http.StatusUnprocessableEntity},
			}
			for _, tc := range cases {
				w, _ := do(http.MethodPost, "/v1/workspaces/"+tc.workspace+"/records", tc.body)
				Expect(w.Code).To(Equal(tc.status), "body %v", tc.body)
			}
		})

		It("rejects a second record for the same conversation", func() {
			body := map[string]string{"conversation_id": "conv-1", "setting_id": setting.ID}
			w, _ := do(http.MethodPost, "/v1/workspaces/ws-1/records", body)
			Expect(w.Code).To(Equal(http.StatusCreated))
			w, _ = do(http.MethodPost, "/v1/workspaces/ws-1/records", body)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("stops a record idempotently", func() {
			do(http.MethodPost, "/v1/workspaces/ws-1/records", map[string]string{
				"conversation_id": "conv-1",
				"setting_id":      setting.ID,
			})

			w, env := do(http.MethodPost, "/v1/workspaces/ws-1/conversations/conv-1/stop", map[string]string{"actor_id": "agent-9"})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(env.Message).To(Equal("Re-engagement stopped"))
			var view map[string]interface{}
			Expect(json.Unmarshal(env.Result, &view)).To(Succeed())
			Expect(view["state"]).To(Equal(string(models.RecordStateStopped)))
			Expect(view["stopped_by_actor_id"]).To(Equal("agent-9"))

			w, env = do(http.MethodPost, "/v1/workspaces/ws-1/conversations/conv-1/stop", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(env.Message).To(Equal("Re-engagement already stopped"))
		})

		It("returns 404 for conversations without a record", func() {
			w, _ := do(http.MethodGet, "/v1/workspaces/ws-1/conversations/conv-x/record", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
			w, _ = do(http.MethodPost, "/v1/workspaces/ws-1/conversations/conv-x/stop", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("does not expose records across workspaces", func() {
			do(http.MethodPost, "/v1/workspaces/ws-1/records", map[string]string{
				"conversation_id": "conv-1",
				"setting_id":      setting.ID,
			})
			w, _ := do(http.MethodGet, "/v1/workspaces/ws-2/conversations/conv-1/record", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /analytics/funnel", func() {
		BeforeEach(func() {
			setting := testutil.NewSetting("set-1", "ws-1")
			Expect(st.CreateSetting(context.Background(), setting)).To(Succeed())
			rec := testutil.NewRecord("rec-1", "conv-1", setting, testutil.T0)
			Expect(st.CreateRecord(context.Background(), rec)).To(Succeed())
			ok, err := st.MarkStageSent(context.Background(), "rec-1", models.StageInitial, testutil.T0.Add(5*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			_, err = st.StopRecord(context.Background(), "rec-1", nil, testutil.T0.Add(6*time.Minute))
			Expect(err).NotTo(HaveOccurred())
		})

		It("counts the workspace funnel", func() {
			w, env := do(http.MethodGet, "/v1/workspaces/ws-1/analytics/funnel", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			var counts models.FunnelCounts
			Expect(json.Unmarshal(env.Result, &counts)).To(Succeed())
			Expect(counts).To(Equal(models.FunnelCounts{
				CountConversation:            1,
				SmtReAssumedCount:            1,
				SmtReConvertedInitialMessage: 1,
			}))
		})

		It("treats a date-only end bound as the whole day", func() {
			w, env := do(http.MethodGet, "/v1/workspaces/ws-1/analytics/funnel?start_date=2025-03-01&end_date=2025-03-01", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			var counts models.FunnelCounts
			Expect(json.Unmarshal(env.Result, &counts)).To(Succeed())
			Expect(counts.SmtReAssumedCount).To(Equal(int64(1)))
		})

		It("rejects malformed and inverted dates", func() {
			w, _ := do(http.MethodGet, "/v1/workspaces/ws-1/analytics/funnel?start_date=yesterday", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			w, _ = do(http.MethodGet, "/v1/workspaces/ws-1/analytics/funnel?start_date=2025-03-02&end_date=2025-03-01", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	It("answers unknown routes with the error envelope", func() {
		w, env := do(http.MethodGet, "/v2/nothing", nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
		Expect(env.Status).To(Equal("error"))
	})
})
