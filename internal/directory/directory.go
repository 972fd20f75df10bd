package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrNotFound signals an id unknown to the directory.
var ErrNotFound = errors.New("directory: not found")

// Student is the directory's view of a student.
type Student struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Section string `json:"section"`
}

// Teacher is the directory's view of a teacher.
type Teacher struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Section  string   `json:"section"`
	Subjects []string `json:"subjects"`
}

// Resolver answers identity lookups against the external directory service.
type Resolver interface {
	Student(ctx context.Context, id string) (Student, error)
	Teacher(ctx context.Context, id string) (Teacher, error)
	SectionStudents(ctx context.Context, section string) ([]Student, error)
}

// HTTPResolver calls a directory service over JSON.
type HTTPResolver struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTP creates a resolver with a bounded timeout.
func NewHTTP(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Student resolves a student id.
func (r *HTTPResolver) Student(ctx context.Context, id string) (Student, error) {
	var out Student
	err := r.get(ctx, "/students/"+url.PathEscape(id), &out)
	return out, err
}

// Teacher resolves a teacher id.
func (r *HTTPResolver) Teacher(ctx context.Context, id string) (Teacher, error) {
	var out Teacher
	err := r.get(ctx, "/teachers/"+url.PathEscape(id), &out)
	return out, err
}

// SectionStudents lists the students registered in a section.
func (r *HTTPResolver) SectionStudents(ctx context.Context, section string) ([]Student, error) {
	var out struct {
		Students []Student `json:"students"`
	}
	if err := r.get(ctx, "/sections/"+url.PathEscape(section)+"/students", &out); err != nil {
		return nil, err
	}
	return out.Students, nil
}

func (r *HTTPResolver) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("directory error %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}

// StaticResolver serves lookups from memory. Used in dev mode and tests when
// no directory service is configured.
type StaticResolver struct {
	mu       sync.RWMutex
	students map[string]Student
	teachers map[string]Teacher
}

// NewStatic creates an empty in-memory resolver.
func NewStatic() *StaticResolver {
	return &StaticResolver{
		students: make(map[string]Student),
		teachers: make(map[string]Teacher),
	}
}

// AddStudent registers a student.
func (r *StaticResolver) AddStudent(s Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students[s.ID] = s
}

// AddTeacher registers a teacher.
func (r *StaticResolver) AddTeacher(t Teacher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teachers[t.ID] = t
}

// Student resolves a student id.
func (r *StaticResolver) Student(ctx context.Context, id string) (Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}

// Teacher resolves a teacher id.
func (r *StaticResolver) Teacher(ctx context.Context, id string) (Teacher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teachers[id]
	if !ok {
		return Teacher{}, ErrNotFound
	}
	return t, nil
}

// SectionStudents lists students whose section matches.
func (r *StaticResolver) SectionStudents(ctx context.Context, section string) ([]Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Student
	for _, s := range r.students {
		if s.Section == section {
			out = append(out, s)
		}
	}
	return out, nil
}
