package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"callflow/internal/taskq"
	"callflow/internal/transcriber"
	"callflow/pkg/logger"
	"callflow/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := logger.Init(true); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetCallByID(ctx context.Context, id string) (*model.CallRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallRecord), args.Error(1)
}

func (m *MockStore) UpdateStage(ctx context.Context, callID string, update model.StageUpdate) error {
	args := m.Called(ctx, callID, update)
	return args.Error(0)
}

func (m *MockStore) SetArchiveURL(ctx context.Context, callID, archiveURL string) error {
	args := m.Called(ctx, callID, archiveURL)
	return args.Error(0)
}

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) UploadRecording(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	args := m.Called(ctx, key, body, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockArchive) RecordingKey(callID, extension string) string {
	args := m.Called(callID, extension)
	return args.String(0)
}

type MockRecognizer struct {
	mock.Mock
}

func (m *MockRecognizer) StartRecognition(ctx context.Context, audioURL string) (string, error) {
	args := m.Called(ctx, audioURL)
	return args.String(0), args.Error(1)
}

func (m *MockRecognizer) WaitForResult(ctx context.Context, operationID string) (*transcriber.RecognitionResult, error) {
	args := m.Called(ctx, operationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transcriber.RecognitionResult), args.Error(1)
}

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, transcript string) (model.JSONB, error) {
	args := m.Called(ctx, transcript)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.JSONB), args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(kind taskq.Kind, payload interface{}, priority, maxRetries int) (string, error) {
	args := m.Called(kind, payload, priority, maxRetries)
	return args.String(0), args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	return m.Called(ctx, key, dest).Error(0)
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *MockCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *MockCache) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockCache) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) Close() error {
	return m.Called().Error(0)
}

type fixture struct {
	store      *MockStore
	archive    *MockArchive
	recognizer *MockRecognizer
	analyzer   *MockAnalyzer
	cache      *MockCache
	queue      *MockSubmitter
	pipeline   *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		store:      new(MockStore),
		archive:    new(MockArchive),
		recognizer: new(MockRecognizer),
		analyzer:   new(MockAnalyzer),
		cache:      new(MockCache),
		queue:      new(MockSubmitter),
	}
	f.pipeline = New(f.store, f.archive, f.recognizer, f.analyzer, f.cache, f.queue, Config{
		AnalyzePriority: 5,
		MaxRetries:      3,
	})
	return f
}

func pendingCall(id string) *model.CallRecord {
	return &model.CallRecord{
		ID:                  id,
		ExternalCallID:      "ext-" + id,
		ResponsibleUserID:   "user-1",
		TranscriptionStatus: model.StagePending,
		AnalysisStatus:      model.StagePending,
	}
}

func TestPipeline_TranscribeChainsAnalyze(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-audio-bytes"))
	}))
	defer audioSrv.Close()

	f := newFixture()
	ctx := context.Background()
	call := pendingCall("call-1")

	f.store.On("GetCallByID", ctx, "call-1").Return(call, nil)
	f.store.On("UpdateStage", ctx, "call-1", model.StageUpdate{
		Stage:  model.StageTranscription,
		Status: model.StageProcessing,
	}).Return(nil)
	f.archive.On("RecordingKey", "call-1", ".mp3").Return("recordings/call-1.mp3")
	f.archive.On("UploadRecording", ctx, "recordings/call-1.mp3", mock.Anything, "audio/mpeg").
		Return("https://archive/recordings/call-1.mp3", nil)
	f.store.On("SetArchiveURL", ctx, "call-1", "https://archive/recordings/call-1.mp3").Return(nil)
	f.recognizer.On("StartRecognition", ctx, "https://archive/recordings/call-1.mp3").Return("op-1", nil)
	f.recognizer.On("WaitForResult", ctx, "op-1").Return(&transcriber.RecognitionResult{
		Chunks: []transcriber.Chunk{
			{Alternatives: []transcriber.Alternative{{Text: "hello there"}}},
		},
	}, nil)
	f.store.On("UpdateStage", ctx, "call-1", mock.MatchedBy(func(u model.StageUpdate) bool {
		return u.Stage == model.StageTranscription && u.Status == model.StageCompleted &&
			u.Text != nil && *u.Text == "hello there "
	})).Return(nil)
	f.cache.On("Set", ctx, "transcript:call-1", "hello there ").Return(nil)
	f.queue.On("Submit", taskq.KindAnalyze, taskq.AnalyzePayload{CallID: "call-1"}, 5, 3).
		Return("job-analyze", nil)

	job := &taskq.Job{
		ID:         "job-1",
		Kind:       taskq.KindTranscribe,
		Payload:    taskq.TranscribePayload{CallID: "call-1", RecordingURL: audioSrv.URL},
		MaxRetries: 3,
	}
	result, err := f.pipeline.Handle(ctx, job)

	require.NoError(t, err)
	assert.Equal(t, "transcribed", result)
	f.store.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestPipeline_FailedTranscriptionNeverChains(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-audio-bytes"))
	}))
	defer audioSrv.Close()

	f := newFixture()
	ctx := context.Background()
	call := pendingCall("call-2")

	f.store.On("GetCallByID", ctx, "call-2").Return(call, nil)
	f.store.On("UpdateStage", ctx, "call-2", model.StageUpdate{
		Stage:  model.StageTranscription,
		Status: model.StageProcessing,
	}).Return(nil)
	f.archive.On("RecordingKey", "call-2", ".mp3").Return("recordings/call-2.mp3")
	f.archive.On("UploadRecording", ctx, "recordings/call-2.mp3", mock.Anything, "audio/mpeg").
		Return("https://archive/recordings/call-2.mp3", nil)
	f.store.On("SetArchiveURL", ctx, "call-2", mock.Anything).Return(nil)
	f.recognizer.On("StartRecognition", ctx, mock.Anything).Return("", assert.AnError)

	// retry budget spent on this attempt
	f.store.On("UpdateStage", ctx, "call-2", mock.MatchedBy(func(u model.StageUpdate) bool {
		return u.Stage == model.StageTranscription && u.Status == model.StageFailed && u.Error != nil
	})).Return(nil)

	job := &taskq.Job{
		ID:         "job-2",
		Kind:       taskq.KindTranscribe,
		Payload:    taskq.TranscribePayload{CallID: "call-2", RecordingURL: audioSrv.URL},
		RetryCount: 3,
		MaxRetries: 3,
	}
	_, err := f.pipeline.Handle(ctx, job)

	require.Error(t, err)
	f.queue.AssertNotCalled(t, "Submit", taskq.KindAnalyze, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestPipeline_EarlyFailureLeavesStageProcessing(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-audio-bytes"))
	}))
	defer audioSrv.Close()

	f := newFixture()
	ctx := context.Background()
	call := pendingCall("call-3")

	f.store.On("GetCallByID", ctx, "call-3").Return(call, nil)
	f.store.On("UpdateStage", ctx, "call-3", model.StageUpdate{
		Stage:  model.StageTranscription,
		Status: model.StageProcessing,
	}).Return(nil)
	f.archive.On("RecordingKey", "call-3", ".mp3").Return("recordings/call-3.mp3")
	f.archive.On("UploadRecording", ctx, mock.Anything, mock.Anything, mock.Anything).
		Return("", assert.AnError)

	job := &taskq.Job{
		ID:         "job-3",
		Kind:       taskq.KindTranscribe,
		Payload:    taskq.TranscribePayload{CallID: "call-3", RecordingURL: audioSrv.URL},
		RetryCount: 0,
		MaxRetries: 3,
	}
	_, err := f.pipeline.Handle(ctx, job)

	require.Error(t, err)
	// no StageFailed update while retries remain
	for _, c := range f.store.Calls {
		if c.Method == "UpdateStage" {
			update := c.Arguments.Get(2).(model.StageUpdate)
			assert.NotEqual(t, model.StageFailed, update.Status)
		}
	}
}

func TestPipeline_AnalyzeRequiresCompletedTranscription(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	call := pendingCall("call-4")
	call.TranscriptionStatus = model.StageProcessing

	f.store.On("GetCallByID", ctx, "call-4").Return(call, nil)

	job := &taskq.Job{
		ID:      "job-4",
		Kind:    taskq.KindAnalyze,
		Payload: taskq.AnalyzePayload{CallID: "call-4"},
	}
	_, err := f.pipeline.Handle(ctx, job)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcription not completed")
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestPipeline_AnalyzeSuccess(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	text := "hello there"
	call := pendingCall("call-5")
	call.TranscriptionStatus = model.StageCompleted
	call.TranscriptionText = &text

	analysis := model.JSONB{"summary": "greeting", "score": float64(7)}

	f.store.On("GetCallByID", ctx, "call-5").Return(call, nil)
	f.store.On("UpdateStage", ctx, "call-5", model.StageUpdate{
		Stage:  model.StageAnalysis,
		Status: model.StageProcessing,
	}).Return(nil)
	f.analyzer.On("Analyze", ctx, text).Return(analysis, nil)
	f.store.On("UpdateStage", ctx, "call-5", mock.MatchedBy(func(u model.StageUpdate) bool {
		return u.Stage == model.StageAnalysis && u.Status == model.StageCompleted &&
			u.Result["summary"] == "greeting"
	})).Return(nil)
	f.cache.On("Set", ctx, "analysis:call-5", mock.Anything).Return(nil)

	job := &taskq.Job{
		ID:      "job-5",
		Kind:    taskq.KindAnalyze,
		Payload: taskq.AnalyzePayload{CallID: "call-5"},
	}
	result, err := f.pipeline.Handle(ctx, job)

	require.NoError(t, err)
	assert.Equal(t, "analyzed", result)
	f.store.AssertExpectations(t)
}

func TestPipeline_AlreadyTranscribedRequeuesPendingAnalysis(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// transcription done, analysis never queued: a re-delivered transcribe
	// job must recover the lost analyze chain instead of skipping
	text := "done already"
	call := pendingCall("call-6")
	call.TranscriptionStatus = model.StageCompleted
	call.TranscriptionText = &text

	f.store.On("GetCallByID", ctx, "call-6").Return(call, nil)
	f.queue.On("Submit", taskq.KindAnalyze, taskq.AnalyzePayload{CallID: "call-6"}, 5, 3).
		Return("job-analyze", nil)

	job := &taskq.Job{
		ID:      "job-6",
		Kind:    taskq.KindTranscribe,
		Payload: taskq.TranscribePayload{CallID: "call-6", RecordingURL: "https://unused"},
	}
	result, err := f.pipeline.Handle(ctx, job)

	require.NoError(t, err)
	assert.Equal(t, "analysis requeued", result)
	f.queue.AssertExpectations(t)
	f.recognizer.AssertNotCalled(t, "StartRecognition", mock.Anything, mock.Anything)
}

func TestPipeline_FinishedCallIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	text := "done already"
	call := pendingCall("call-9")
	call.TranscriptionStatus = model.StageCompleted
	call.TranscriptionText = &text
	call.AnalysisStatus = model.StageCompleted

	f.store.On("GetCallByID", ctx, "call-9").Return(call, nil)

	job := &taskq.Job{
		ID:      "job-9",
		Kind:    taskq.KindTranscribe,
		Payload: taskq.TranscribePayload{CallID: "call-9", RecordingURL: "https://unused"},
	}
	result, err := f.pipeline.Handle(ctx, job)

	require.NoError(t, err)
	assert.Equal(t, "already transcribed", result)
	f.queue.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_GenericJob(t *testing.T) {
	f := newFixture()

	job := &taskq.Job{
		ID:      "job-7",
		Kind:    taskq.KindGeneric,
		Payload: taskq.GenericPayload{Name: "noop"},
	}
	result, err := f.pipeline.Handle(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, "noop", result)
}

func TestPipeline_InvalidPayload(t *testing.T) {
	f := newFixture()

	job := &taskq.Job{
		ID:      "job-8",
		Kind:    taskq.KindTranscribe,
		Payload: "not a payload",
	}
	_, err := f.pipeline.Handle(context.Background(), job)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transcribe payload")
}
