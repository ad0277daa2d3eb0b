package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition は許可されていない状態遷移を表します。
var ErrInvalidTransition = errors.New("invalid status transition")

// 状態は前進のみ。Pending → Processing → Completed、失敗は Pending/Processing から。
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func isValidTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Summary は完了したジョブの集計です。
type Summary struct {
	Items     int `json:"items"`
	URLs      int `json:"urls"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Add はアイテムの結果を集計に加えます。
func (s *Summary) Add(item *Item) {
	if item == nil {
		return
	}
	s.URLs += len(item.InputURLs)
	for _, out := range item.OutputURLs {
		if out.Published() {
			s.Published++
		} else {
			s.Failed++
		}
	}
}

// Job は1回のCSVアップロードに対応するジョブレコードです。
type Job struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	ItemCount int        `json:"item_count"`
	Summary   *Summary   `json:"summary,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Transition は状態を to に進めます。同じ状態への遷移は何もしません。
func (j *Job) Transition(to Status) error {
	if j.Status == to {
		return nil
	}
	if !isValidTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// Fail は Failed に遷移し、エラー情報を記録します。
func (j *Job) Fail(code, message string) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.Error = &ErrorInfo{Code: code, Message: message}
	return nil
}

// OutputStatus は出力URL1件ごとの結果です。
type OutputStatus string

const (
	OutputPublished OutputStatus = "published"
	OutputFailed    OutputStatus = "failed"
)

// FailureKind は失敗した処理段階です。
type FailureKind string

const (
	FailureTranscode FailureKind = "transcode"
	FailurePublish   FailureKind = "publish"
)

// OutputURL は入力URL1件に対応する出力です。
// 公開に成功した場合は URL、失敗した場合は失敗段階と理由を持ちます。
type OutputURL struct {
	URL       string       `json:"url,omitempty"`
	Status    OutputStatus `json:"status"`
	ErrorKind FailureKind  `json:"error_kind,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Published は公開に成功したかどうかを返します。
func (o OutputURL) Published() bool {
	return o.Status == OutputPublished
}

// PublishedOutput は成功した出力を作ります。
func PublishedOutput(url string) OutputURL {
	return OutputURL{URL: url, Status: OutputPublished}
}

// FailedOutput は失敗した出力を作ります。
func FailedOutput(kind FailureKind, err error) OutputURL {
	out := OutputURL{Status: OutputFailed, ErrorKind: kind}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// ItemInput はCSVの1行から得た処理対象です。
type ItemInput struct {
	Row       int      `json:"row"`
	SerialNo  string   `json:"serial_no"`
	Name      string   `json:"name"`
	InputURLs []string `json:"input_urls"`
}

// Item は処理済みの1行を表します。
// OutputURLs は InputURLs と同じ長さ、同じ順序です。
type Item struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"request_id"`
	Row        int         `json:"row"`
	SerialNo   string      `json:"serial_no"`
	Name       string      `json:"name"`
	InputURLs  []string    `json:"input_urls"`
	OutputURLs []OutputURL `json:"output_urls"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func cloneItem(item *Item) *Item {
	cp := *item
	cp.InputURLs = append([]string{}, item.InputURLs...)
	cp.OutputURLs = append([]OutputURL{}, item.OutputURLs...)
	return &cp
}

func cloneJob(job *Job) *Job {
	cp := *job
	if job.Summary != nil {
		s := *job.Summary
		cp.Summary = &s
	}
	if job.Error != nil {
		e := *job.Error
		cp.Error = &e
	}
	return &cp
}
