package process

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"reelbatch/internal/errors"
)

// Command is a worker invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command for logs.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// ParseCommand splits a shell-style template and substitutes {name}
// placeholders from vars in every word, e.g.
//
//	python3 process_batch.py {job_id} --dir "{job_dir}"
func ParseCommand(template string, vars map[string]string) (Command, error) {
	words, err := shellquote.Split(template)
	if err != nil {
		return Command{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid command %q: %v", template, err)
	}
	if len(words) == 0 {
		return Command{}, errors.NewInvalidRequestError("empty command")
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i, w := range words {
		words[i] = r.Replace(w)
	}

	return Command{Name: words[0], Args: words[1:]}, nil
}

// WithArgs returns a copy of c with extra arguments appended.
func (c Command) WithArgs(args ...string) Command {
	out := c
	out.Args = append(append([]string(nil), c.Args...), args...)
	return out
}
