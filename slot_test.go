package netmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexListPushBackOrder(t *testing.T) {
	links := make([]slotLink, 4)
	linkOf := func(i int32) *slotLink { return &links[i] }
	l := newIndexList()

	l.pushBack(0, linkOf)
	l.pushBack(1, linkOf)
	l.pushBack(2, linkOf)

	var order []int32
	l.forEach(linkOf, func(idx int32) bool { order = append(order, idx); return true })
	require.Equal(t, []int32{0, 1, 2}, order)
}

func TestIndexListPushFrontOrder(t *testing.T) {
	links := make([]slotLink, 4)
	linkOf := func(i int32) *slotLink { return &links[i] }
	l := newIndexList()

	l.pushBack(0, linkOf)
	l.pushFront(1, linkOf)
	l.pushFront(2, linkOf)

	var order []int32
	l.forEach(linkOf, func(idx int32) bool { order = append(order, idx); return true })
	require.Equal(t, []int32{2, 1, 0}, order)
}

func TestIndexListRemoveMiddlePreservesOrder(t *testing.T) {
	links := make([]slotLink, 4)
	linkOf := func(i int32) *slotLink { return &links[i] }
	l := newIndexList()

	l.pushBack(0, linkOf)
	l.pushBack(1, linkOf)
	l.pushBack(2, linkOf)
	l.remove(1, linkOf)

	var order []int32
	l.forEach(linkOf, func(idx int32) bool { order = append(order, idx); return true })
	require.Equal(t, []int32{0, 2}, order)
	require.Equal(t, int32(0), l.front())
}

func TestIndexListPopFrontEmpty(t *testing.T) {
	links := make([]slotLink, 1)
	linkOf := func(i int32) *slotLink { return &links[i] }
	l := newIndexList()
	require.Equal(t, int32(-1), l.popFront(linkOf))
	require.True(t, l.empty())
}

func TestIndexListRotateFrontToBack(t *testing.T) {
	links := make([]slotLink, 3)
	linkOf := func(i int32) *slotLink { return &links[i] }
	l := newIndexList()
	l.pushBack(0, linkOf)
	l.pushBack(1, linkOf)
	l.pushBack(2, linkOf)

	moved := l.rotateFrontToBack(linkOf)
	require.Equal(t, int32(0), moved)

	var order []int32
	l.forEach(linkOf, func(idx int32) bool { order = append(order, idx); return true })
	require.Equal(t, []int32{1, 2, 0}, order)
}
