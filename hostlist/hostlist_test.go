// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hostlist

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestParse(t *testing.T) {
	const nodes = `# PBS node file
node1
node1

node2   # trailing comment
node3 slots=3 max_slots=8
10.0.0.4:2000
`
	hosts, err := Parse(strings.NewReader(nodes))
	assert.NoError(t, err)
	want := []string{"node1", "node1", "node2", "node3", "node3", "node3", "10.0.0.4:2000"}
	if got := hosts; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"node1 slots=zero",
		"node1 slots=0",
		"node1 slots",
	} {
		if _, err := Parse(strings.NewReader(bad)); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "nodes")
	assert.NoError(t, ioutil.WriteFile(path, []byte("a\nb slots=2\n"), 0644))
	hosts, err := File(path).Hosts(context.Background())
	assert.NoError(t, err)
	if got, want := hosts, []string{"a", "b", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := File(filepath.Join(dir, "missing")).Hosts(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestEnv(t *testing.T) {
	const name = "BIGBATCH_TEST_HOSTS"
	os.Setenv(name, "a,b c\td")
	defer os.Unsetenv(name)
	hosts, err := Env(name).Hosts(context.Background())
	assert.NoError(t, err)
	if got, want := hosts, []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Env("BIGBATCH_TEST_UNSET").Hosts(context.Background()); err == nil {
		t.Error("expected error")
	}
}

type errSource struct{}

func (errSource) Hosts(ctx context.Context) ([]string, error) {
	return nil, errors.New("unavailable")
}

func TestConcat(t *testing.T) {
	src := Concat(Static{"a", "b"}, Static{}, Static{"a"})
	hosts, err := src.Hosts(context.Background())
	assert.NoError(t, err)
	if got, want := hosts, []string{"a", "b", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Concat(Static{"a"}, errSource{}).Hosts(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestWithPort(t *testing.T) {
	for _, c := range []struct {
		host, want string
	}{
		{"node1", "node1:9555"},
		{"node1:80", "node1:80"},
		{"10.0.0.1", "10.0.0.1:9555"},
		{"::1", "[::1]:9555"},
		{"[::1]", "[::1]:9555"},
		{"[::1]:80", "[::1]:80"},
	} {
		if got, want := WithPort(c.host, 9555), c.want; got != want {
			t.Errorf("%s: got %v, want %v", c.host, got, want)
		}
	}
}

type fakeEC2 struct {
	ec2iface.EC2API
	input *ec2.DescribeInstancesInput
	pages []*ec2.DescribeInstancesOutput
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, opts ...request.Option) error {
	f.input = input
	for i, page := range f.pages {
		if !fn(page, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func instance(id, addr string, launched time.Time) *ec2.Instance {
	inst := &ec2.Instance{
		InstanceId: aws.String(id),
		LaunchTime: aws.Time(launched),
	}
	if addr != "" {
		inst.PrivateIpAddress = aws.String(addr)
	}
	return inst
}

func TestEC2(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{
			{Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{
				instance("i-3", "10.0.0.3", t0.Add(time.Minute)),
				instance("i-2", "10.0.0.2", t0),
			}}}},
			{Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{
				instance("i-1", "10.0.0.1", t0),
				instance("i-4", "", t0),
			}}}},
		},
	}
	src := EC2{Tags: ParseTags("cluster=batch, worker"), API: api}
	hosts, err := src.Hosts(context.Background())
	assert.NoError(t, err)
	if got, want := hosts, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	var names []string
	for _, f := range api.input.Filters {
		names = append(names, aws.StringValue(f.Name))
	}
	if got, want := names, []string{"instance-state-name", "tag:cluster", "tag-key"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
