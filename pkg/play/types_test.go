package play

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionAcceptsScalarForm(t *testing.T) {
	pb, err := Parse([]byte(`
plays:
- name: web
  hosts: web
  tasks:
  - name: t1
    when: "x == 1"
    command: _raw
`), "")
	require.NoError(t, err)
	assert.Equal(t, Condition("x == 1"), pb.Plays[0].Tasks[0].Task.When)
}

func TestConditionAcceptsListFormAndCombinesExpressions(t *testing.T) {
	pb, err := Parse([]byte(`
plays:
- name: web
  hosts: web
  tasks:
  - name: t1
    when:
      - "x == 1"
      - "y == 2"
    command: _raw
`), "")
	require.NoError(t, err)
	assert.Equal(t, Condition("(x == 1) and (y == 2)"), pb.Plays[0].Tasks[0].Task.When)
}

func TestConditionListFormAppliesToChangedWhenAndFailedWhen(t *testing.T) {
	pb, err := Parse([]byte(`
plays:
- name: web
  hosts: web
  tasks:
  - name: t1
    changed_when:
      - "a"
      - "b"
    failed_when:
      - "c"
    command: _raw
`), "")
	require.NoError(t, err)
	task := pb.Plays[0].Tasks[0].Task
	assert.Equal(t, Condition("(a) and (b)"), task.ChangedWhen)
	assert.Equal(t, Condition("(c)"), task.FailedWhen)
}
