package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/medscan/internal/extraction"
	"github.com/zombor/medscan/internal/ledger"
	"github.com/zombor/medscan/internal/queue"
	"github.com/zombor/medscan/internal/syncbridge"
)

var _ = Describe("Server", func() {
	var (
		f           *fixture
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(f.app, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
	}

	do := func(method, path string, body io.Reader) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	readBody := func(resp *http.Response) []byte {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return body
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.Unmarshal(readBody(resp), v)).To(Succeed())
	}

	BeforeEach(func() {
		f = newFixture(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "nurse", Password: "secret"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp := do("GET", "/api/records", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("accepts valid credentials", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/records", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("nurse:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("answers preflight requests without credentials", func() {
			resp := do("OPTIONS", "/api/records", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("records", func() {
		var record *ledger.Record

		BeforeEach(func() {
			record = f.insert("Jane Doe", "Dr. Smith")
			f.insert("John Roe", "Dr. Jones")
		})

		It("lists records matching the search term", func() {
			resp := do("GET", "/api/records?q=SMITH", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var records []*ledger.Record
			decode(resp, &records)
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(record.ID))
		})

		It("returns a single record", func() {
			resp := do("GET", "/api/records/"+record.ID, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got ledger.Record
			decode(resp, &got)
			Expect(got.PatientName).To(Equal("Jane Doe"))
		})

		It("returns 404 for an unknown record", func() {
			resp := do("GET", "/api/records/missing", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("requires confirmation to delete", func() {
			resp := do("DELETE", "/api/records/"+record.ID, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusPreconditionRequired))
			Expect(f.app.Records("")).To(HaveLen(2))
		})

		It("deletes a confirmed record", func() {
			resp := do("DELETE", "/api/records/"+record.ID+"?confirm=true", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(f.app.Records("")).To(HaveLen(1))
		})

		It("returns the dashboard stats", func() {
			resp := do("GET", "/api/stats", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var stats ledger.Stats
			decode(resp, &stats)
			Expect(stats.Total).To(Equal(2))
			Expect(stats.Labels).To(Equal(2))
			Expect(stats.Unsynced).To(Equal(2))
		})
	})

	Describe("queue", func() {
		upload := func(files map[string]string, process bool) *http.Response {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			for name, content := range files {
				part, err := writer.CreateFormFile("files", name)
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write([]byte(content))
				Expect(err).NotTo(HaveOccurred())
			}
			if process {
				Expect(writer.WriteField("process", "true")).To(Succeed())
			}
			Expect(writer.Close()).To(Succeed())

			ghttpServer.AppendHandlers(server.ServeHTTP)
			req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/queue", body)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", writer.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		BeforeEach(func() {
			f.extractor.results["label"] = &extraction.Result{
				PatientName: "Jane Doe",
				UHID:        "UH123",
				SourceType:  extraction.SourceLabel,
			}
		})

		It("queues every uploaded file as pending", func() {
			resp := upload(map[string]string{"label.jpg": "label", "board.png": "board"}, false)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var entries []queue.Entry
			decode(resp, &entries)
			Expect(entries).To(HaveLen(2))
			for _, e := range entries {
				Expect(e.Status).To(Equal(queue.StatusPending))
			}
		})

		It("rejects a request without files", func() {
			resp := upload(map[string]string{}, false)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("processes the batch in the background", func() {
			resp := upload(map[string]string{"label.jpg": "label", "board.jpg": "board"}, false)
			resp.Body.Close()

			resp = do("POST", "/api/queue/process", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(f.app.Queue().LastBatch).ShouldNot(BeNil())
			Expect(f.app.Records("")).To(HaveLen(1))

			resp = do("GET", "/api/queue", nil)
			var listing struct {
				Entries   []queue.Entry       `json:"entries"`
				Running   bool                `json:"running"`
				LastBatch *queue.BatchSummary `json:"last_batch"`
			}
			decode(resp, &listing)
			Expect(listing.Running).To(BeFalse())
			Expect(listing.Entries).To(HaveLen(1))
			Expect(listing.Entries[0].Status).To(Equal(queue.StatusError))
			Expect(listing.LastBatch.Warning).To(Equal(queue.BatchWarning))
		})

		It("starts the batch right after upload when asked to", func() {
			resp := upload(map[string]string{"label.jpg": "label"}, true)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Eventually(func() int { return len(f.app.Records("")) }).Should(Equal(1))
		})

		It("serves the image of a queued entry", func() {
			resp := upload(map[string]string{"label.jpg": "label"}, false)
			var entries []queue.Entry
			decode(resp, &entries)

			resp = do("GET", "/api/queue/"+entries[0].ID+"/image", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(resp.Header.Get("X-Content-Type-Options")).To(Equal("nosniff"))
			Expect(string(readBody(resp))).To(Equal("label"))
		})

		It("serves a non-image upload as a plain download", func() {
			entries, err := f.app.Queue().Enqueue(context.Background(), []queue.Upload{
				{Filename: "page.html", ContentType: "text/html", Data: []byte("<script>alert(1)</script>")},
			})
			Expect(err).NotTo(HaveOccurred())

			resp := do("GET", "/api/queue/"+entries[0].ID+"/image", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/octet-stream"))
			Expect(resp.Header.Get("X-Content-Type-Options")).To(Equal("nosniff"))
			resp.Body.Close()
		})

		It("removes a pending entry", func() {
			resp := upload(map[string]string{"label.jpg": "label"}, false)
			var entries []queue.Entry
			decode(resp, &entries)

			resp = do("DELETE", "/api/queue/"+entries[0].ID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(f.app.Queue().Entries()).To(BeEmpty())
		})

		It("returns 404 when removing an unknown entry", func() {
			resp := do("DELETE", "/api/queue/missing", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("clears the queue", func() {
			resp := upload(map[string]string{"label.jpg": "label", "board.jpg": "board"}, false)
			resp.Body.Close()

			resp = do("POST", "/api/queue/clear", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var cleared map[string]int
			decode(resp, &cleared)
			Expect(cleared["removed"]).To(Equal(2))
		})
	})

	Describe("sync", func() {
		syncBody := func(v any) io.Reader {
			data, err := json.Marshal(v)
			Expect(err).NotTo(HaveOccurred())
			return bytes.NewReader(data)
		}

		It("rejects a spreadsheet URL as webhook", func() {
			resp := do("PUT", "/api/sync/config", syncBody(syncbridge.Config{
				WebhookURL: "https://docs.google.com/spreadsheets/d/abc/edit",
			}))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(f.app.SyncConfig().WebhookURL).To(BeEmpty())
		})

		It("stores a valid config", func() {
			resp := do("PUT", "/api/sync/config", syncBody(syncbridge.Config{WebhookURL: webhookURL, AutoSync: true}))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do("GET", "/api/sync/config", nil)
			var cfg syncbridge.Config
			decode(resp, &cfg)
			Expect(cfg).To(Equal(syncbridge.Config{WebhookURL: webhookURL, AutoSync: true}))
		})

		It("returns 409 when sync is not configured", func() {
			f.insert("Jane Doe", "Dr. Smith")
			resp := do("POST", "/api/sync", syncBody(syncRequest{AllUnsynced: true}))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		When("sync is configured", func() {
			var record *ledger.Record

			BeforeEach(func() {
				f.configure(false)
				record = f.insert("Jane Doe", "Dr. Smith")
				f.insert("John Roe", "Dr. Jones")
			})

			It("syncs the selected records", func() {
				resp := do("POST", "/api/sync", syncBody(syncRequest{RecordIDs: []string{record.ID}}))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var result map[string]any
				decode(resp, &result)
				Expect(result["outcome"]).To(Equal("confirmed"))
				Expect(result["synced"]).To(BeNumerically("==", 1))
				Expect(f.app.Stats().Unsynced).To(Equal(1))
			})

			It("reports a failing endpoint as bad gateway", func() {
				f.forwarder.outcome = syncbridge.OutcomeFailed
				f.forwarder.err = errors.New("webhook returned status 500")

				resp := do("POST", "/api/sync", syncBody(syncRequest{AllUnsynced: true}))
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var result map[string]any
				decode(resp, &result)
				Expect(result["outcome"]).To(Equal("failed"))
				Expect(result["error"]).To(ContainSubstring("status 500"))
				Expect(f.app.Stats().Unsynced).To(Equal(2))
			})

			It("treats an empty body as a no-op without an outcome", func() {
				resp := do("POST", "/api/sync", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var result map[string]any
				decode(resp, &result)
				Expect(result).NotTo(HaveKey("outcome"))
				Expect(result["requested"]).To(BeNumerically("==", 0))
				Expect(f.forwarder.calls()).To(BeEmpty())
			})

			It("sends a test row", func() {
				resp := do("POST", "/api/sync/test", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var result map[string]string
				decode(resp, &result)
				Expect(result["outcome"]).To(Equal("confirmed"))
			})
		})

		It("serves the Apps Script template", func() {
			resp := do("GET", "/api/sync/script", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(readBody(resp))).To(ContainSubstring("function doPost(e)"))
		})
	})

	Describe("export", func() {
		It("returns no content for an empty CSV export", func() {
			resp := do("GET", "/api/export?format=csv", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Content-Disposition")).To(BeEmpty())
		})

		It("returns an empty JSON array for an empty JSON export", func() {
			resp := do("GET", "/api/export", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(string(readBody(resp)))).To(Equal("[]"))
		})

		It("downloads matching records as CSV", func() {
			f.insert("Jane Doe", "Dr. Smith")
			resp := do("GET", "/api/export?format=csv&q=jane", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/csv"))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("medical_records_2024-05-01T10-00-00Z.csv"))
			Expect(string(readBody(resp))).To(ContainSubstring("Jane Doe"))
		})

		It("rejects an unknown format", func() {
			resp := do("GET", "/api/export?format=xml", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
