package seen

import "sync"

// Selection is a keyboard-navigable cursor over the ascending-order item
// view. The index is rebased whenever the item count changes: it defaults
// to the last item, unless the user navigated away, which pins the position
// relative to the end of the list. All navigation and actions are suppressed
// while a text-input-like control has focus.
type Selection struct {
	mu            sync.Mutex
	count         int
	offsetFromEnd int // 0 = last item
	pinned        bool
	inputFocused  bool
}

// NewSelection creates a selection over an empty list.
func NewSelection() *Selection {
	return &Selection{}
}

// SetCount rebases the selection after the item count changed. An unpinned
// selection follows the last item; a pinned one keeps its distance from the
// end, clamped to the new bounds.
func (s *Selection) SetCount(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = count
	if !s.pinned {
		s.offsetFromEnd = 0
		return
	}
	if s.offsetFromEnd > count-1 {
		s.offsetFromEnd = max(count-1, 0)
	}
}

// SelectedIndex returns the current index into the ascending-order view,
// or -1 when the list is empty.
func (s *Selection) SelectedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked()
}

// Next advances toward the end of the list, clamping at the last item.
// Reaching the last item unpins the selection so it follows new arrivals.
func (s *Selection) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputFocused || s.count == 0 {
		return s.indexLocked()
	}
	if s.offsetFromEnd > 0 {
		s.offsetFromEnd--
	}
	s.pinned = s.offsetFromEnd != 0
	return s.indexLocked()
}

// Previous retreats toward the start of the list, clamping at index 0.
func (s *Selection) Previous() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputFocused || s.count == 0 {
		return s.indexLocked()
	}
	if s.offsetFromEnd < s.count-1 {
		s.offsetFromEnd++
	}
	s.pinned = true
	return s.indexLocked()
}

// Reset returns the selection to the default "last item" position.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsetFromEnd = 0
	s.pinned = false
}

// SetInputFocused suppresses navigation and actions while a text input has
// focus, so arrow keys edit text instead of moving the cursor.
func (s *Selection) SetInputFocused(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputFocused = focused
}

// ActionsAllowed reports whether item actions (open, reply, toggle-pin) may
// dispatch right now.
func (s *Selection) ActionsAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.inputFocused && s.count > 0
}

func (s *Selection) indexLocked() int {
	if s.count == 0 {
		return -1
	}
	return s.count - 1 - s.offsetFromEnd
}
