package upload

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/primevod/go-ingest/upload/network"
	"github.com/primevod/go-ingest/upload/network/mocks"
	"github.com/primevod/go-ingest/upload/network/partuploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testUploadID = "upload-1"
	testKey      = "uploads/1700000000000_video.mp4"
	mib          = 1024 * 1024
)

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func newTestController(client network.SessionClient, observer Observer) *Controller {
	return newTestControllerWithLanes(client, observer, 4)
}

func testConfig(lanes int) Config {
	config := DefaultConfig()
	config.IngestURL = "http://ingest.invalid"
	config.PartUploader.Concurrency = lanes
	config.PartUploader.MaxAttempts = 3
	config.PartUploader.BaseDelay = time.Millisecond
	return config
}

func newTestControllerWithLanes(client network.SessionClient, observer Observer, lanes int) *Controller {
	opts := []Option{WithClock(fixedClock)}
	if observer != nil {
		opts = append(opts, WithObserver(observer))
	}
	return NewController(testConfig(lanes), client, log.NewLogger(), opts...)
}

func expectInit(client *mocks.SessionClient) {
	client.On("Init", mock.Anything, mock.MatchedBy(func(r network.InitRequest) bool {
		return r.Key == testKey && r.ContentType != ""
	})).Return(network.InitResponse{UploadID: testUploadID}, nil).Once()
}

func expectSignAll(client *mocks.SessionClient, server *partServer) {
	client.On("SignPart", mock.Anything, testKey, testUploadID, mock.AnythingOfType("int")).
		Return(func(_ context.Context, _, _ string, partNumber int) network.SignResponse {
			return network.SignResponse{URL: server.partURL(partNumber)}
		}, nil)
}

func twelveMiBSource() Source {
	return NewBytesSource("video.mp4", bytes.Repeat([]byte("a"), 12*mib))
}

func lastLog(t *testing.T, c *Controller) string {
	logs := c.Logs()
	require.NotEmpty(t, logs)
	return logs[len(logs)-1].Message
}

func TestController_Upload_Success(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)
	observer := &recordingObserver{}

	wantParts := []partuploader.PartResult{
		{PartNumber: 1, ETag: "etag-1"},
		{PartNumber: 2, ETag: "etag-2"},
		{PartNumber: 3, ETag: "etag-3"},
	}
	expectInit(client)
	expectSignAll(client, server)
	client.On("Complete", mock.Anything, testKey, testUploadID, wantParts).
		Return(network.CompleteResponse{Body: []byte(`{"location":"s3://bucket/` + testKey + `"}`)}, nil).Once()

	c := newTestController(client, observer)
	result, err := c.Upload(context.Background(), twelveMiBSource())
	require.NoError(t, err)

	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, 100, c.Progress())
	assert.Equal(t, wantParts, result.Parts)
	assert.Equal(t, wantParts, c.Parts())
	assert.Equal(t, UploadSession{
		Key:           testKey,
		UploadID:      testUploadID,
		TotalParts:    3,
		PartSizeBytes: 5 * mib,
		FileSizeBytes: 12 * mib,
	}, result.Session)
	assert.Equal(t, map[int]int{1: 5 * mib, 2: 5 * mib, 3: 2 * mib}, server.receivedSizes())

	assert.Equal(t, []State{StateStarting, StateUploading, StateCompleting, StateDone}, observer.recordedStates())
	progress := observer.recordedProgress()
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress went backwards: %v", progress)
	}
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.NotContains(t, progress[:len(progress)-1], 100)

	assert.Contains(t, lastLog(t, c), "s3://bucket/")
	client.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything, mock.Anything)
}

func TestController_Upload_PartFailureAborts(t *testing.T) {
	server := newPartServer(t, 2)
	client := mocks.NewSessionClient(t)

	expectInit(client)
	expectSignAll(client, server)
	client.On("Abort", mock.Anything, testKey, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := newTestController(client, nil)
	_, err := c.Upload(context.Background(), twelveMiBSource())
	require.Error(t, err)

	var transportErr *partuploader.TransportError
	require.True(t, errors.As(err, &transportErr), "unexpected error: %v", err)
	assert.Equal(t, 2, transportErr.PartNumber)
	assert.Equal(t, 3, transportErr.Attempts)
	assert.Equal(t, 3, server.attemptsOf(2))

	assert.Equal(t, StateError, c.State())
	assert.Less(t, c.Progress(), 100)
	assert.True(t, strings.HasPrefix(lastLog(t, c), "Upload failed: "))
	assert.Contains(t, lastLog(t, c), "part 2")
	client.AssertNumberOfCalls(t, "Abort", 1)
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_Upload_SignFailureAborts(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)
	signErr := &network.SignError{PartNumber: 2, Err: errors.New("HTTP 403: forbidden")}

	expectInit(client)
	client.On("SignPart", mock.Anything, testKey, testUploadID, 1).
		Return(network.SignResponse{URL: server.partURL(1)}, nil).Once()
	client.On("SignPart", mock.Anything, testKey, testUploadID, 2).
		Return(network.SignResponse{}, signErr).Once()
	client.On("Abort", mock.Anything, testKey, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := newTestControllerWithLanes(client, nil, 1)

	_, err := c.Upload(context.Background(), twelveMiBSource())
	require.Error(t, err)
	assert.ErrorIs(t, err, signErr)
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, lastLog(t, c), "HTTP 403: forbidden")
	client.AssertNotCalled(t, "SignPart", mock.Anything, testKey, testUploadID, 3)
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_Upload_MissingSignURL(t *testing.T) {
	client := mocks.NewSessionClient(t)

	expectInit(client)
	client.On("SignPart", mock.Anything, testKey, testUploadID, mock.AnythingOfType("int")).
		Return(network.SignResponse{}, nil)
	client.On("Abort", mock.Anything, testKey, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := newTestController(client, nil)
	_, err := c.Upload(context.Background(), twelveMiBSource())

	var signErr *network.SignError
	require.True(t, errors.As(err, &signErr), "unexpected error: %v", err)
	assert.ErrorIs(t, err, network.ErrMissingURL)
	assert.Equal(t, StateError, c.State())
}

func TestController_Upload_InitFailure(t *testing.T) {
	tests := []struct {
		name     string
		response network.InitResponse
		err      error
		wantErr  error
	}{
		{
			name:    "init request fails",
			err:     &network.InitError{Key: testKey, Err: errors.New("HTTP 500: boom")},
			wantErr: nil,
		},
		{
			name:     "no upload id",
			response: network.InitResponse{},
			wantErr:  network.ErrMissingUploadID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewSessionClient(t)
			client.On("Init", mock.Anything, mock.Anything).Return(tt.response, tt.err).Once()
			observer := &recordingObserver{}

			c := newTestController(client, observer)
			_, err := c.Upload(context.Background(), twelveMiBSource())

			var initErr *network.InitError
			require.True(t, errors.As(err, &initErr), "unexpected error: %v", err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, StateError, c.State())
			assert.Equal(t, []State{StateStarting, StateError}, observer.recordedStates())
			assert.True(t, strings.HasPrefix(lastLog(t, c), "Init failed: "))
			client.AssertNotCalled(t, "SignPart", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			client.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestController_Upload_CompleteFailure(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)
	completeErr := &network.CompleteError{UploadID: testUploadID, Err: errors.New("HTTP 400: InvalidPart")}

	expectInit(client)
	expectSignAll(client, server)
	client.On("Complete", mock.Anything, testKey, testUploadID, mock.Anything).
		Return(network.CompleteResponse{}, completeErr).Once()

	c := newTestController(client, nil)
	_, err := c.Upload(context.Background(), twelveMiBSource())

	assert.ErrorIs(t, err, completeErr)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, "Complete failed: "+completeErr.Error(), lastLog(t, c))
	assert.Empty(t, c.Parts())
}

func TestController_Upload_CancelledContextStillAborts(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expectInit(client)
	client.On("Abort", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), testKey, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := newTestController(client, nil)
	_, err := c.Upload(ctx, twelveMiBSource())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, c.State())
	assert.Empty(t, server.receivedSizes())
}

func TestController_Upload_AbortFailureIsSwallowed(t *testing.T) {
	server := newPartServer(t, 3)
	client := mocks.NewSessionClient(t)

	expectInit(client)
	expectSignAll(client, server)
	client.On("Abort", mock.Anything, testKey, testUploadID).
		Return(network.AbortResponse{}, errors.New("connection reset")).Once()

	c := newTestController(client, nil)
	_, err := c.Upload(context.Background(), twelveMiBSource())

	var transportErr *partuploader.TransportError
	require.True(t, errors.As(err, &transportErr), "unexpected error: %v", err)
	assert.Equal(t, StateError, c.State())

	var abortLogged bool
	for _, entry := range c.Logs() {
		if strings.HasPrefix(entry.Message, "Abort failed: ") {
			abortLogged = true
		}
	}
	assert.True(t, abortLogged)
	assert.True(t, strings.HasPrefix(lastLog(t, c), "Upload failed: "))
}

func TestController_Abort(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)
	signing := make(chan struct{}, 1)
	release := make(chan struct{})

	expectInit(client)
	client.On("SignPart", mock.Anything, testKey, testUploadID, 1).
		Run(func(mock.Arguments) {
			signing <- struct{}{}
			<-release
		}).
		Return(network.SignResponse{URL: server.partURL(1)}, nil).Once()
	client.On("Abort", mock.Anything, testKey, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := newTestControllerWithLanes(client, nil, 1)

	assert.False(t, c.Abort(), "nothing to abort while idle")

	type uploadOutcome struct {
		err error
	}
	done := make(chan uploadOutcome, 1)
	go func() {
		_, err := c.Upload(context.Background(), twelveMiBSource())
		done <- uploadOutcome{err: err}
	}()

	<-signing
	assert.Equal(t, StateUploading, c.State())
	assert.ErrorIs(t, c.Reset(), ErrUploadInProgress)
	_, err := c.Upload(context.Background(), twelveMiBSource())
	assert.ErrorIs(t, err, ErrUploadInProgress)

	assert.True(t, c.Abort())
	assert.False(t, c.Abort(), "a second abort request is not accepted while the first one is pending")
	assert.Equal(t, StateUploading, c.State())
	close(release)

	outcome := <-done
	assert.ErrorIs(t, outcome.err, ErrAborted)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, map[int]int{1: 5 * mib}, server.receivedSizes(), "the in-flight part finishes")
	assert.Equal(t, "Upload failed: "+ErrAborted.Error(), lastLog(t, c))
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_Upload_FileSource(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)

	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("b"), 12*mib), 0o644))
	source, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, source.Close()) }()

	expectInit(client)
	expectSignAll(client, server)
	client.On("Complete", mock.Anything, testKey, testUploadID, mock.Anything).Return(network.CompleteResponse{}, nil).Once()

	c := newTestController(client, nil)
	result, err := c.Upload(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, StateDone, c.State())
	assert.Len(t, result.Parts, 3)
	assert.Equal(t, map[int]int{1: 5 * mib, 2: 5 * mib, 3: 2 * mib}, server.receivedSizes())

	var throughputLogged bool
	for _, entry := range c.Logs() {
		if strings.HasPrefix(entry.Message, "Uploaded 12MiB in 3 parts (") && strings.HasSuffix(entry.Message, "/s per lane)") {
			throughputLogged = true
		}
	}
	assert.True(t, throughputLogged, "logs: %v", c.Logs())
}

func TestController_Upload_RaisesPartSizeForLargeSources(t *testing.T) {
	client := mocks.NewSessionClient(t)
	tracker := &fakeTracker{}
	size := int64(partuploader.MaxParts+1) * 5 * mib

	client.On("Init", mock.Anything, mock.Anything).Return(network.InitResponse{UploadID: testUploadID}, nil).Once()
	client.On("SignPart", mock.Anything, mock.Anything, testUploadID, mock.AnythingOfType("int")).
		Return(network.SignResponse{}, errors.New("stop here"))
	client.On("Abort", mock.Anything, mock.Anything, testUploadID).Return(network.AbortResponse{}, nil).Once()

	c := NewController(testConfig(4), client, log.NewLogger(), WithClock(fixedClock), WithTracker(tracker))
	_, err := c.Upload(context.Background(), sparseSource{name: "huge.mov", size: size})
	require.Error(t, err)

	started, ok := tracker.find("upload_started")
	require.True(t, ok)
	assert.Equal(t, int64(100*mib), started.properties["part_size_bytes"])
	assert.Equal(t, 501, started.properties["part_count"])
	assert.LessOrEqual(t, started.properties["part_count"], partuploader.MaxParts)

	var raisedLogged bool
	for _, entry := range c.Logs() {
		if strings.HasPrefix(entry.Message, "Part size raised from 5MiB to 100MiB") {
			raisedLogged = true
		}
	}
	assert.True(t, raisedLogged)
}

func TestController_Upload_FileTooLarge(t *testing.T) {
	client := mocks.NewSessionClient(t)
	c := newTestController(client, nil)

	_, err := c.Upload(context.Background(), sparseSource{name: "huge.mov", size: partuploader.MaxObjectSizeBytes + 1})

	var tooLarge *FileTooLargeError
	require.True(t, errors.As(err, &tooLarge), "unexpected error: %v", err)
	assert.Equal(t, partuploader.MaxObjectSizeBytes, tooLarge.MaxBytes)
	assert.Equal(t, StateIdle, c.State())
	client.AssertNotCalled(t, "Init", mock.Anything, mock.Anything)
}

func TestController_Upload_EmptySource(t *testing.T) {
	client := mocks.NewSessionClient(t)
	c := newTestController(client, nil)

	_, err := c.Upload(context.Background(), NewBytesSource("empty.mp4", nil))
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = c.Upload(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	assert.Equal(t, StateIdle, c.State())
	client.AssertNotCalled(t, "Init", mock.Anything, mock.Anything)
}

func TestController_Reset(t *testing.T) {
	server := newPartServer(t, 0)
	client := mocks.NewSessionClient(t)
	observer := &recordingObserver{}

	client.On("Init", mock.Anything, mock.Anything).Return(network.InitResponse{}, errors.New("offline")).Once()
	expectInit(client)
	expectSignAll(client, server)
	client.On("Complete", mock.Anything, testKey, testUploadID, mock.Anything).Return(network.CompleteResponse{}, nil).Once()

	c := newTestController(client, observer)

	_, err := c.Upload(context.Background(), twelveMiBSource())
	require.Error(t, err)
	require.Equal(t, StateError, c.State())

	require.NoError(t, c.Reset())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Logs())
	assert.Equal(t, 0, c.Progress())

	_, err = c.Upload(context.Background(), twelveMiBSource())
	require.NoError(t, err)
	require.Equal(t, StateDone, c.State())
	require.Len(t, c.Parts(), 3)

	require.NoError(t, c.Reset())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Logs())
	assert.Equal(t, 0, c.Progress())
	assert.Empty(t, c.Parts())
	assert.Equal(t, StateIdle, observer.recordedStates()[len(observer.recordedStates())-1])
}

func TestController_objectKey(t *testing.T) {
	c := newTestController(mocks.NewSessionClient(t), nil)

	assert.Equal(t, "uploads/1700000000000_clip.mov", c.objectKey("/tmp/videos/clip.mov"))
	assert.Equal(t, "uploads/1700000000000_clip.mov", c.objectKey("clip.mov"))

	uuidKey := regexp.MustCompile(`^uploads/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.bin$`)
	for _, name := range []string{"", "  ", "/"} {
		assert.Regexp(t, uuidKey, c.objectKey(name), "name: %q", name)
	}
}

func Test_validateParts(t *testing.T) {
	tests := []struct {
		name           string
		parts          []partuploader.PartResult
		total          int
		want           []partuploader.PartResult
		wantMissing    []int
		wantDuplicates []int
		wantEmptyETags []int
	}{
		{
			name: "out of order results are sorted",
			parts: []partuploader.PartResult{
				{PartNumber: 3, ETag: "c"}, {PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"},
			},
			total: 3,
			want: []partuploader.PartResult{
				{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}, {PartNumber: 3, ETag: "c"},
			},
		},
		{
			name:        "gap",
			parts:       []partuploader.PartResult{{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "c"}},
			total:       3,
			wantMissing: []int{2},
		},
		{
			name: "duplicate hides a gap",
			parts: []partuploader.PartResult{
				{PartNumber: 1, ETag: "a"}, {PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "c"},
			},
			total:          3,
			wantMissing:    []int{2},
			wantDuplicates: []int{1},
		},
		{
			name:           "empty etag",
			parts:          []partuploader.PartResult{{PartNumber: 1, ETag: ""}},
			total:          1,
			wantEmptyETags: []int{1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateParts(tt.parts, tt.total)
			if tt.want != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}

			var incomplete *IncompleteUploadError
			require.True(t, errors.As(err, &incomplete), "unexpected error: %v", err)
			assert.Equal(t, tt.total, incomplete.TotalParts)
			assert.Equal(t, len(tt.parts), incomplete.Got)
			assert.Equal(t, tt.wantMissing, incomplete.Missing)
			assert.Equal(t, tt.wantDuplicates, incomplete.Duplicates)
			assert.Equal(t, tt.wantEmptyETags, incomplete.EmptyETags)
		})
	}
}
