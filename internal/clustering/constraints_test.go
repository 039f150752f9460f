package clustering

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/kozaktomas/face-clusters/internal/database"
)

func TestMustLinkGroupIsTransitive(t *testing.T) {
	s := newConstraintSet()
	s.add(constraint("1", database.MustLink, "a", "b"))
	s.add(constraint("2", database.MustLink, "c", "b"))
	s.add(constraint("3", database.MustLink, "x", "y"))
	s.add(constraint("4", database.CannotLink, "a", "z"))

	if got, want := s.mustLinkGroup("a"), []string{"b", "c"}; !slices.Equal(got, want) {
		t.Errorf("mustLinkGroup(a) = %v, want %v", got, want)
	}
	if got := s.mustLinkGroup("z"); got != nil {
		t.Errorf("mustLinkGroup(z) = %v, want nil", got)
	}
	if got := s.cannotLinkPartners("z"); !slices.Equal(got, []string{"a"}) {
		t.Errorf("cannotLinkPartners(z) = %v, want [a]", got)
	}

	s.remove("2")
	if got, want := s.mustLinkGroup("a"), []string{"b"}; !slices.Equal(got, want) {
		t.Errorf("mustLinkGroup(a) after remove = %v, want %v", got, want)
	}
	if got := s.mustLinkGroup("c"); got != nil {
		t.Errorf("mustLinkGroup(c) after remove = %v, want nil", got)
	}
}

func TestMustLinkGroupConcurrentReaders(t *testing.T) {
	s := newConstraintSet()
	// a chain deep enough that a compressing find would rewrite parents
	faces := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 1; i < len(faces); i++ {
		s.add(constraint(faces[i], database.MustLink, faces[i-1], faces[i]))
	}
	s.remove("h")
	s.add(constraint("h", database.MustLink, "g", "h"))

	var wg sync.WaitGroup
	groups := make([][]string, 16)
	for i := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[i] = s.mustLinkGroup(faces[i%len(faces)])
		}()
	}
	wg.Wait()

	for i, got := range groups {
		if len(got) != len(faces)-1 {
			t.Errorf("mustLinkGroup(%s) = %v, want the other %d faces", faces[i%len(faces)], got, len(faces)-1)
		}
	}
}

func TestConstraintFindIsUnordered(t *testing.T) {
	s := newConstraintSet()
	s.add(constraint("1", database.CannotLink, "a", "b"))

	if _, ok := s.find(database.CannotLink, "b", "a"); !ok {
		t.Error("find(b, a) missed the constraint")
	}
	if _, ok := s.find(database.MustLink, "a", "b"); ok {
		t.Error("find() matched the wrong type")
	}
}

func TestAddConstraint(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t, twoClusters())
		cases := []struct {
			typ  database.ConstraintType
			a, b string
		}{
			{"MAYBE_LINK", "a1", "b1"},
			{database.MustLink, "a1", "a1"},
			{database.CannotLink, "", "b1"},
		}
		for _, c := range cases {
			if _, err := env.engine.AddConstraint(ctx, c.typ, c.a, c.b, ""); !errors.Is(err, ErrInvalidConstraint) {
				t.Errorf("AddConstraint(%s, %q, %q) error = %v, want ErrInvalidConstraint", c.typ, c.a, c.b, err)
			}
		}
	})

	t.Run("duplicate and opposite", func(t *testing.T) {
		env := newTestEnv(t, twoClusters())
		first, err := env.engine.AddConstraint(ctx, database.CannotLink, "a1", "b1", "")
		if err != nil {
			t.Fatal(err)
		}
		if first.Existing || first.Constraint.CreatedBy != "user" {
			t.Errorf("first = %+v", first)
		}
		again, err := env.engine.AddConstraint(ctx, database.CannotLink, "b1", "a1", "system")
		if err != nil {
			t.Fatal(err)
		}
		if !again.Existing || again.Constraint.ID != first.Constraint.ID {
			t.Errorf("duplicate = %+v, want existing %s", again, first.Constraint.ID)
		}
		if _, err := env.engine.AddConstraint(ctx, database.MustLink, "a1", "b1", ""); !errors.Is(err, ErrInvalidConstraint) {
			t.Errorf("opposite constraint error = %v, want ErrInvalidConstraint", err)
		}
		if got := len(env.engine.Constraints()); got != 1 {
			t.Errorf("constraints = %d, want 1", got)
		}
	})

	t.Run("conflicts", func(t *testing.T) {
		env := newTestEnv(t, twoClusters())
		events := env.engine.Events().AddListener()

		split, err := env.engine.AddConstraint(ctx, database.CannotLink, "a1", "m1", "")
		if err != nil {
			t.Fatal(err)
		}
		if split.Conflict == "" {
			t.Error("cannot-link inside one cluster reported no conflict")
		}
		if got := env.clusterOf("m1"); got != "c1" {
			t.Errorf("m1 moved to %q, conflicts must not rewrite membership", got)
		}

		merge, err := env.engine.AddConstraint(ctx, database.MustLink, "a1", "b1", "")
		if err != nil {
			t.Fatal(err)
		}
		if merge.Conflict == "" {
			t.Error("must-link across clusters reported no conflict")
		}

		want := []EventType{EventConstraintConflict, EventMergeSuggested}
		for _, typ := range want {
			if ev := <-events; ev.Type != typ {
				t.Errorf("event = %s, want %s", ev.Type, typ)
			}
		}
	})

	t.Run("unknown faces", func(t *testing.T) {
		env := newTestEnv(t, nil)
		res, err := env.engine.AddConstraint(ctx, database.MustLink, "later1", "later2", "")
		if err != nil || res.Conflict != "" {
			t.Fatalf("AddConstraint() = %+v, %v", res, err)
		}
	})
}

func TestRemoveConstraint(t *testing.T) {
	env := newTestEnv(t, twoClusters())
	ctx := context.Background()

	res, err := env.engine.AddConstraint(ctx, database.CannotLink, "m1", "b1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.MoveFace(ctx, "m1", "c2"); !errors.Is(err, ErrCannotLink) {
		t.Fatalf("MoveFace() error = %v, want ErrCannotLink", err)
	}
	if err := env.engine.RemoveConstraint(ctx, res.Constraint.ID); err != nil {
		t.Fatalf("RemoveConstraint() error = %v", err)
	}
	if _, err := env.engine.MoveFace(ctx, "m1", "c2"); err != nil {
		t.Errorf("MoveFace() after removal error = %v", err)
	}
	if err := env.engine.RemoveConstraint(ctx, res.Constraint.ID); !errors.Is(err, ErrConstraintMissing) {
		t.Errorf("second RemoveConstraint() error = %v, want ErrConstraintMissing", err)
	}
}
