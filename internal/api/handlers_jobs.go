package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptdhq/promptd/internal/job"
)

const maxUploadMemory = 32 << 20

type createJobRequest struct {
	Repo    string      `json:"repo"`
	Prompt  string      `json:"prompt"`
	Options job.Options `json:"options"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}
	j, err := s.sched.Create(subjectFromContext(r.Context()), req.Repo, req.Prompt, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List(subjectFromContext(r.Context())))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.Start(j.ID); err != nil {
		s.writeError(w, err)
		return
	}
	j, err = s.sched.Get(j.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.Cancel(j.ID); err != nil {
		s.writeError(w, err)
		return
	}
	j, err = s.sched.Get(j.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.Delete(j.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pos, err := s.sched.QueuePosition(j.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindValidation, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindValidation, "missing file field")
		return
	}
	defer file.Close()

	overwrite := r.URL.Query().Get("overwrite") == "true"
	up, err := s.sched.AttachUpload(j.ID, header.Filename, header.Header.Get("Content-Type"), file, overwrite)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

// outputChunk is one SSE payload on the job output stream. Data is
// base64-encoded by encoding/json; Offset is the position of the first byte
// in the job's output log.
type outputChunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobForRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sub, err := s.broker.Subscribe(j.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Emit an initial SSE comment so headers are flushed and clients can
	// establish the stream before the first byte of output lands.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var offset int64
	for {
		chunk, err := sub.Next(r.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
			}
			return
		}
		payload, err := json.Marshal(outputChunk{Offset: offset, Data: chunk})
		if err != nil {
			return
		}
		offset += int64(len(chunk))
		fmt.Fprintf(w, "event: output\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.sched.Subscribe()
	defer unsubscribe()

	// The subscription is live before the handshake flush, so a client
	// that has seen the comment cannot miss transitions it causes next.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	subject := subjectFromContext(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Events carry no owner, so filter by looking the job up;
			// deleted jobs still stream their final transition.
			if j, err := s.sched.Get(ev.JobID); err == nil && j.Owner != subject {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) jobForRequest(r *http.Request) (*job.Job, error) {
	j, err := s.sched.Get(chi.URLParam(r, "job"))
	if err != nil {
		return nil, err
	}
	if j.Owner != subjectFromContext(r.Context()) {
		return nil, errForbidden
	}
	return j, nil
}
