package statemachine

// Builder assembles a Table with a fluent API:
//
//	table, err := statemachine.NewBuilder().
//		From(free).On(activate).To(active).Add().
//		From(active).On(cancel).To(pendingCancel).Add().
//		Build()
type Builder struct {
	edges map[string]map[string][]Transition
	cur   Transition
	err   error
}

func NewBuilder() *Builder {
	return &Builder{edges: make(map[string]map[string][]Transition)}
}

func (b *Builder) From(state State) *Builder {
	b.cur = Transition{From: state}
	return b
}

func (b *Builder) On(event Event) *Builder {
	b.cur.Event = event
	return b
}

func (b *Builder) To(state State) *Builder {
	b.cur.To = state
	return b
}

func (b *Builder) When(guard Guard) *Builder {
	b.cur.Guards = append(b.cur.Guards, guard)
	return b
}

// Add commits the transition under construction. The first invalid
// transition is remembered and reported by Build.
func (b *Builder) Add() *Builder {
	tr := b.cur
	b.cur = Transition{}

	if tr.From == nil || tr.To == nil || tr.Event == nil {
		if b.err == nil {
			b.err = ErrInvalidTransition
		}
		return b
	}

	from, event := tr.From.Name(), tr.Event.Name()
	if b.edges[from] == nil {
		b.edges[from] = make(map[string][]Transition)
	}
	b.edges[from][event] = append(b.edges[from][event], tr)
	return b
}

func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Table{edges: b.edges}, nil
}

// MustBuild is like Build but panics on an invalid table.
// Intended for package-level tables declared at init time.
func (b *Builder) MustBuild() *Table {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
